package wire

// Result codes carried in CommResp.ErrCode. Values 1..255 not listed here
// are child exit statuses; a child killed by a signal reports 128+signal.
const (
	CodeOK          int32 = 0
	CodeExecFailed  int32 = 127
	CodeChecksum    int32 = 240
	CodeSequence    int32 = 241
	CodeMalformed   int32 = 242
	CodeSpawnFailed int32 = 243
	CodeIO          int32 = 244
	CodeTimeout     int32 = 245
	CodeUnsupported int32 = 246

	// CodeLocalFailure is the client's exit status when its own transport
	// fails before an END arrives.
	CodeLocalFailure int32 = 255
)
