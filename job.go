package player

import (
	"github.com/pkg/errors"
)

// Job is a unit of deferred work.
type Job interface {
	// Perform runs the job. A returned error has already been handled and is
	// only meant to be logged.
	Perform() error
}

// Discarder is implemented by jobs that must learn when an executor drops
// them without performing them.
type Discarder interface {
	Discard(err error)
}

// JobFunc adapts a function to the Job interface.
type JobFunc func() error

// Perform implements Job.
func (f JobFunc) Perform() error {
	return f()
}

// requestJob dispatches one inbound frame.
type requestJob struct {
	session     *Session
	messageType uint16
	payload     []byte
}

func (j *requestJob) Perform() (err error) {
	s := j.session
	defer s.pending.done()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in handler: %v", r)
		}
		if err != nil {
			j.fail(err)
		}
	}()

	if j.messageType == ErrorMessageID {
		return j.performError()
	}

	handler, ok := s.opts.registry.Resolve(s.namespace, j.messageType)
	if !ok {
		s.opts.logger.Warn("no handler matches message", "session", s.id,
			"namespace", s.namespace, "message_type", j.messageType)
		return errors.WithStack(ErrUnknownProtocol)
	}

	s.opts.logger.Debug("dispatching message", "session", s.id,
		"message_type", j.messageType, "payload_len", len(j.payload))
	return handler(s, j.payload)
}

// Discard implements Discarder. The peer gets no answer for a dropped request.
func (j *requestJob) Discard(err error) {
	j.session.opts.logger.Warn("request dropped", "session", j.session.id,
		"message_type", j.messageType, "error", err)
	j.session.pending.done()
}

// performError handles an error message sent by the peer. A failure status
// is a shutdown request, which is echoed back before the connection closes.
func (j *requestJob) performError() error {
	s := j.session
	msg, err := DecodeErrorMessage(j.payload)
	if err != nil {
		return err
	}
	s.opts.logger.Debug("received error message", "session", s.id,
		"target", msg.Target, "status", msg.Status, "reason", msg.Reason)
	if msg.Status == StatusOK {
		return nil
	}

	s.opts.logger.Info("shutting down session as requested", "session", s.id, "status", msg.Status)
	if _, err := s.SendError(msg.Target, msg.Status, msg.Reason, true); err != nil {
		s.opts.logger.Warn("failed to echo shutdown request", "session", s.id, "error", err)
	}
	return nil
}

// fail answers a failed message without closing the connection.
func (j *requestJob) fail(err error) {
	s := j.session
	status, reason := StatusInternalError, ""
	if pe, ok := AsProtocolError(err); ok {
		status, reason = pe.Status, pe.Reason
	}
	s.opts.logger.Error("request failed", "session", s.id,
		"message_type", j.messageType, "status", status, "error", err)
	if _, sendErr := s.SendError(j.messageType, status, reason, false); sendErr != nil {
		s.opts.logger.Warn("failed to report request failure", "session", s.id, "error", sendErr)
	}
}
