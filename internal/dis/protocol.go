package dis

// PBS Batch Protocol Types
const (
	PbsBatchProtType = 2 // Standard batch protocol
	PbsBatchProtVer  = 2 // Protocol version
)

// PBS Batch Request Types - must match pbs_batchreqtype_db.h.
// Only the requests this server speaks are listed.
const (
	BatchReqConnect    = 0
	BatchReqDeleteJob  = 6
	BatchReqRerun      = 14
	BatchReqSignalJob  = 18
	BatchReqJobObit    = 56
	BatchReqDisconnect = 59
	BatchReqAuthToken  = 63 // HMAC token authentication
)

// PBS Batch Reply Choice Types (must match libpbs.h BATCH_REPLY_CHOICE_*)
const (
	ReplyChoiceNull = 1 // no reply data, just code
	ReplyChoiceText = 7 // text string
)

// PBS error codes used by the server.
const (
	PbsErrNone    = 0
	PbseUnkjobid  = 15001
	PbseIvalReq   = 15004 // invalid request (malformed subjob range)
	PbsePerm      = 15007
	PbseNoRerun   = 15017 // job is not rerunable
	PbseBadState  = 15018
	PbseNoConnect = 15020
	PbseBadCred   = 15021
	PbseProtocol  = 15033
	PbseInternal  = 15044
	PbseUnkReq    = 15048
)

// SignalRerun is the signal name the server relays to MOM to stop a job
// that is about to be requeued.
const SignalRerun = "SIGRERUN"

var errorNames = map[int]string{
	PbsErrNone:    "Success",
	PbseUnkjobid:  "Unknown Job Id",
	PbseIvalReq:   "Invalid request",
	PbsePerm:      "Unauthorized Request",
	PbseNoRerun:   "Job cannot be rerun",
	PbseBadState:  "Request invalid for state of job",
	PbseNoConnect: "Cannot connect to specified host",
	PbseBadCred:   "Invalid credential",
	PbseProtocol:  "Protocol error",
	PbseInternal:  "Internal server error occurred",
	PbseUnkReq:    "Unknown request",
}

// ErrorName returns the pbs_geterrmsg text for a PBSE code.
func ErrorName(code int) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	return "Unknown error"
}

// BatchRequestName returns a human-readable name for a batch request type.
func BatchRequestName(reqType int) string {
	switch reqType {
	case BatchReqConnect:
		return "Connect"
	case BatchReqDeleteJob:
		return "DeleteJob"
	case BatchReqRerun:
		return "RerunJob"
	case BatchReqSignalJob:
		return "SignalJob"
	case BatchReqJobObit:
		return "JobObit"
	case BatchReqDisconnect:
		return "Disconnect"
	case BatchReqAuthToken:
		return "AuthToken"
	}
	return "Unknown"
}
