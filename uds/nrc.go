// Package uds implements the diagnostic service dispatcher: a client that
// builds and parses UDS exchanges over a segmented transport, the session and
// security-access state machines around it, and a small ECU-side responder
// used to serve the same services against the shared trouble code registry.
package uds

// Service identifiers.
const (
	SIDDiagnosticSessionControl  = 0x10
	SIDECUReset                  = 0x11
	SIDClearDiagnosticInfo       = 0x14
	SIDReadDTCInformation        = 0x19
	SIDReadDataByIdentifier      = 0x22
	SIDReadMemoryByAddress       = 0x23
	SIDSecurityAccess            = 0x27
	SIDWriteDataByIdentifier     = 0x2E
	SIDInputOutputControl        = 0x2F
	SIDRoutineControl            = 0x31
	SIDRequestDownload           = 0x34
	SIDTransferData              = 0x36
	SIDRequestTransferExit       = 0x37
	SIDWriteMemoryByAddress      = 0x3D
	SIDTesterPresent             = 0x3E
)

// positiveResponseOffset is added to the request SID in positive responses.
const positiveResponseOffset = 0x40

// negativeResponseSID introduces every negative response.
const negativeResponseSID = 0x7F

// SuppressPositiveResponse is the sub-function bit that asks the server to
// stay silent on success.
const SuppressPositiveResponse = 0x80

// Negative response codes.
const (
	NRCGeneralReject                          = 0x10
	NRCServiceNotSupported                    = 0x11
	NRCSubFunctionNotSupported                = 0x12
	NRCIncorrectMessageLength                 = 0x13
	NRCResponseTooLong                        = 0x14
	NRCBusyRepeatRequest                      = 0x21
	NRCConditionsNotCorrect                   = 0x22
	NRCRequestSequenceError                   = 0x24
	NRCNoResponseFromSubnetComponent          = 0x25
	NRCFailurePreventsExecution               = 0x26
	NRCRequestOutOfRange                      = 0x31
	NRCSecurityAccessDenied                   = 0x33
	NRCInvalidKey                             = 0x35
	NRCExceedNumberOfAttempts                 = 0x36
	NRCRequiredTimeDelayNotExpired            = 0x37
	NRCUploadDownloadNotAccepted              = 0x70
	NRCTransferDataSuspended                  = 0x71
	NRCGeneralProgrammingFailure              = 0x72
	NRCWrongBlockSequenceCounter              = 0x73
	NRCResponsePending                        = 0x78
	NRCSubFunctionNotSupportedInActiveSession = 0x7E
	NRCServiceNotSupportedInActiveSession     = 0x7F
)

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                          "general reject",
	NRCServiceNotSupported:                    "service not supported",
	NRCSubFunctionNotSupported:                "sub-function not supported",
	NRCIncorrectMessageLength:                 "incorrect message length or format",
	NRCResponseTooLong:                        "response too long",
	NRCBusyRepeatRequest:                      "busy, repeat request",
	NRCConditionsNotCorrect:                   "conditions not correct",
	NRCRequestSequenceError:                   "request sequence error",
	NRCNoResponseFromSubnetComponent:          "no response from subnet component",
	NRCFailurePreventsExecution:               "failure prevents execution",
	NRCRequestOutOfRange:                      "request out of range",
	NRCSecurityAccessDenied:                   "security access denied",
	NRCInvalidKey:                             "invalid key",
	NRCExceedNumberOfAttempts:                 "exceeded number of attempts",
	NRCRequiredTimeDelayNotExpired:            "required time delay not expired",
	NRCUploadDownloadNotAccepted:              "upload/download not accepted",
	NRCTransferDataSuspended:                  "transfer data suspended",
	NRCGeneralProgrammingFailure:              "general programming failure",
	NRCWrongBlockSequenceCounter:              "wrong block sequence counter",
	NRCResponsePending:                        "response pending",
	NRCSubFunctionNotSupportedInActiveSession: "sub-function not supported in active session",
	NRCServiceNotSupportedInActiveSession:     "service not supported in active session",
}

// NRCDescription returns the human-readable meaning of an NRC.
func NRCDescription(nrc byte) string {
	if desc, ok := nrcDescriptions[nrc]; ok {
		return desc
	}
	return "unknown negative response code"
}
