package nhacp

// Definitions for the NABU HCCA Application Communication Protocol.
//
//	https://github.com/hanshuebner/nabu-figforth/blob/main/nabu-comms.md

// Protocol versions.
const (
	Vers00 = 0x0000 // original draft
	Vers01 = 0x0001 // NHACP 0.1
)

// The NHACP MTU is chosen so a message fits within the allotted 1 second
// time limit, and satisfies the constraint that the length field never
// have the MSB set, which aids in crash recovery.
const (
	MTU        = 8256
	MaxPayload = 8192

	// Max message size in the original NHACP draft; it did not ensure
	// the whole message arrived within 1 second.
	MTU00 = 0x7fff

	// The larger of the two, for buffer allocation.
	MaxMessageLen = MTU00
)

// The application on the NABU tells the server to go into NHACP mode by
// sending one of these while in legacy mode.
const (
	MsgStartNHACP00 = 0xaf // original draft
	MsgStartNHACP   = 0x8f // versioned START-NHACP
)

// Options negotiated in the versioned START-NHACP message.
const OptionCRC8 = 0x0001

// Request types.
const (
	ReqStorageOpen     = 0x01
	ReqStorageGet      = 0x02
	ReqStoragePut      = 0x03
	ReqGetDateTime     = 0x04
	ReqFileClose       = 0x05
	ReqGetErrorDetails = 0x06
	ReqStorageGetBlock = 0x07
	ReqStoragePutBlock = 0x08
	ReqEndProtocol     = 0xef
)

// STORAGE-OPEN flags.
const (
	ORdwr   = 0x0000
	ORdonly = 0x0001
	OCreat  = 0x0002
	OExcl   = 0x0004

	OAccMask = ORdwr | ORdonly
)

// Response types.
const (
	RespNHACPStarted = 0x80
	RespOK           = 0x81
	RespError        = 0x82
	RespStorageLoaded = 0x83
	RespDataBuffer   = 0x84
	RespDateTime     = 0x85
)

// Error codes.
const (
	Eundefined = 0  // undefined error
	ENotSup    = 1  // operation is not supported
	EPerm      = 2  // operation is not permitted
	ENoEnt     = 3  // requested file does not exist
	EIO        = 4  // input/output error
	EBadF      = 5  // bad file descriptor
	ENoMem     = 6  // out of memory
	EAcces     = 7  // access denied
	EBusy      = 8  // file / resource is busy
	EExist     = 9  // file already exists
	EIsDir     = 10 // file is a directory
	EInval     = 11 // invalid argument / request
	ENFile     = 12 // too many open files
	EFBig      = 13 // file is too large
	ENoSpc     = 14 // out of space
	ESeek      = 15 // seek on non-seekable file
	ENotDir    = 16 // file is not a directory
)

// We want these displayable with a potentially limited character set, so
// the table is all-caps ASCII.
var errorStrings = map[uint16]string{
	ENotSup: "OPERATION NOT SUPPORTED",
	EPerm:   "OPERATION NOT PERMITTED",
	ENoEnt:  "NO SUCH FILE",
	EIO:     "IO ERROR",
	EBadF:   "INVALID FILE",
	ENoMem:  "OUT OF MEMORY",
	EAcces:  "ACCESS DENIED",
	EBusy:   "RESOURCE BUSY",
	EExist:  "FILE EXISTS",
	EIsDir:  "FILE IS A DIRECTORY",
	EInval:  "BAD REQUEST",
	ENFile:  "TOO MANY OPEN FILES",
	EFBig:   "FILE TOO BIG",
	ENoSpc:  "OUT OF SPACE",
	ESeek:   "ILLEGAL SEEK",
	ENotDir: "FILE IS NOT A DIRECTORY",
}
