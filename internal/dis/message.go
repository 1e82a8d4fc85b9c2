package dis

import (
	"github.com/pkg/errors"
)

// RequestHeader holds the parsed header fields from an incoming batch request.
type RequestHeader struct {
	Protocol int
	Version  int
	ReqType  int
	User     string
}

// ReadRequestHeader reads the fields that follow the protocol type:
// diswui(ver) diswui(reqtype) diswst(user). The caller has already consumed
// the protocol type to tell batch traffic from other protocols.
func ReadRequestHeader(r *Reader, proto int) (*RequestHeader, error) {
	ver, err := r.ReadUint()
	if err != nil {
		return nil, errors.Wrap(err, "read version")
	}
	reqType, err := r.ReadUint()
	if err != nil {
		return nil, errors.Wrap(err, "read reqtype")
	}
	user, err := r.ReadString()
	if err != nil {
		return nil, errors.Wrap(err, "read user")
	}
	return &RequestHeader{
		Protocol: proto,
		Version:  int(ver),
		ReqType:  int(reqType),
		User:     user,
	}, nil
}

// WriteRequestHeader writes a full batch request header for outgoing requests.
func WriteRequestHeader(w *Writer, reqType int, user string) error {
	if err := w.WriteUint(PbsBatchProtType); err != nil {
		return err
	}
	if err := w.WriteUint(PbsBatchProtVer); err != nil {
		return err
	}
	if err := w.WriteUint(uint64(reqType)); err != nil {
		return err
	}
	return w.WriteString(user)
}

// WriteReqExtend writes the request extension: diswui(has_extend) [diswst(extend)].
func WriteReqExtend(w *Writer, ext string) error {
	if ext == "" {
		return w.WriteUint(0)
	}
	if err := w.WriteUint(1); err != nil {
		return err
	}
	return w.WriteString(ext)
}

// ReadReqExtend reads the request extension field.
func ReadReqExtend(r *Reader) (string, error) {
	has, err := r.ReadUint()
	if err != nil {
		return "", err
	}
	if has == 0 {
		return "", nil
	}
	return r.ReadString()
}

// Reply is a decoded batch reply.
type Reply struct {
	Code    int
	AuxCode int
	Choice  int
	Text    string
}

// WriteReply writes a batch reply:
// diswui(proto) diswui(ver) diswsi(code) diswsi(auxcode) diswui(choice) [data].
// A NULL choice carries no data.
func WriteReply(w *Writer, rep Reply) error {
	if err := w.WriteUint(PbsBatchProtType); err != nil {
		return err
	}
	if err := w.WriteUint(PbsBatchProtVer); err != nil {
		return err
	}
	if err := w.WriteInt(int64(rep.Code)); err != nil {
		return err
	}
	if err := w.WriteInt(int64(rep.AuxCode)); err != nil {
		return err
	}
	if err := w.WriteUint(uint64(rep.Choice)); err != nil {
		return err
	}
	if rep.Choice == ReplyChoiceText {
		if err := w.WriteString(rep.Text); err != nil {
			return err
		}
	}
	return w.Flush()
}

// NewReply builds the reply for code and optional text; text switches the
// choice to TEXT.
func NewReply(code int, text string) Reply {
	rep := Reply{Code: code, Choice: ReplyChoiceNull}
	if text != "" {
		rep.Choice = ReplyChoiceText
		rep.Text = text
	}
	return rep
}

// ReadReply reads a batch reply.
func ReadReply(r *Reader) (Reply, error) {
	var rep Reply
	if _, err := r.ReadUint(); err != nil {
		return rep, errors.Wrap(err, "read reply proto")
	}
	if _, err := r.ReadUint(); err != nil {
		return rep, errors.Wrap(err, "read reply ver")
	}
	code, err := r.ReadInt()
	if err != nil {
		return rep, errors.Wrap(err, "read reply code")
	}
	aux, err := r.ReadInt()
	if err != nil {
		return rep, errors.Wrap(err, "read reply auxcode")
	}
	choice, err := r.ReadUint()
	if err != nil {
		return rep, errors.Wrap(err, "read reply choice")
	}
	rep.Code, rep.AuxCode, rep.Choice = int(code), int(aux), int(choice)
	switch rep.Choice {
	case ReplyChoiceNull:
	case ReplyChoiceText:
		if rep.Text, err = r.ReadString(); err != nil {
			return rep, errors.Wrap(err, "read reply text")
		}
	default:
		return rep, errors.Errorf("unsupported reply choice %d", rep.Choice)
	}
	return rep, nil
}

// ReadJobIDBody reads a body that is just a job id followed by the request
// extension (Rerun, DeleteJob).
func ReadJobIDBody(r *Reader) (jobID, extend string, err error) {
	if jobID, err = r.ReadString(); err != nil {
		return "", "", errors.Wrap(err, "read job id")
	}
	if extend, err = ReadReqExtend(r); err != nil {
		return "", "", errors.Wrap(err, "read extend")
	}
	return jobID, extend, nil
}

// WriteJobIDRequest writes a complete job-id request (header, job id,
// extension) and flushes it.
func WriteJobIDRequest(w *Writer, reqType int, user, jobID, extend string) error {
	if err := WriteRequestHeader(w, reqType, user); err != nil {
		return err
	}
	if err := w.WriteString(jobID); err != nil {
		return err
	}
	if err := WriteReqExtend(w, extend); err != nil {
		return err
	}
	return w.Flush()
}

// WriteSignalJobRequest writes a SignalJob request: header, job id, signal
// name, empty extension.
func WriteSignalJobRequest(w *Writer, user, jobID, signal string) error {
	if err := WriteRequestHeader(w, BatchReqSignalJob, user); err != nil {
		return err
	}
	if err := w.WriteString(jobID); err != nil {
		return err
	}
	if err := w.WriteString(signal); err != nil {
		return err
	}
	if err := WriteReqExtend(w, ""); err != nil {
		return err
	}
	return w.Flush()
}

// ReadJobObitBody reads the part of a JobObit body the server acts on:
// job id and exit status, followed by the extension. Resource usage lists
// sent by newer MOMs are not part of this body.
func ReadJobObitBody(r *Reader) (jobID string, exitStatus int, err error) {
	if jobID, err = r.ReadString(); err != nil {
		return "", 0, errors.Wrap(err, "read job id")
	}
	status, err := r.ReadInt()
	if err != nil {
		return "", 0, errors.Wrap(err, "read exit status")
	}
	if _, err = ReadReqExtend(r); err != nil {
		return "", 0, errors.Wrap(err, "read extend")
	}
	return jobID, int(status), nil
}

// WriteAuthTokenRequest writes an AuthToken request: header, timestamp,
// token and an empty extension.
func WriteAuthTokenRequest(w *Writer, user string, timestamp int64, token string) error {
	if err := WriteRequestHeader(w, BatchReqAuthToken, user); err != nil {
		return err
	}
	if err := w.WriteUint(uint64(timestamp)); err != nil {
		return err
	}
	if err := w.WriteString(token); err != nil {
		return err
	}
	if err := WriteReqExtend(w, ""); err != nil {
		return err
	}
	return w.Flush()
}

// ReadAuthTokenBody reads the timestamp and token of an AuthToken request
// and its extension.
func ReadAuthTokenBody(r *Reader) (timestamp int64, token string, err error) {
	ts, err := r.ReadUint()
	if err != nil {
		return 0, "", errors.Wrap(err, "read timestamp")
	}
	if token, err = r.ReadString(); err != nil {
		return 0, "", errors.Wrap(err, "read token")
	}
	if _, err = ReadReqExtend(r); err != nil {
		return 0, "", errors.Wrap(err, "read extend")
	}
	return int64(ts), token, nil
}
