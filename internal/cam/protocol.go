package cam

import "io"

// Link is the character device connection to the CA slots
type Link interface {
	io.ReadWriteCloser
	// reset the CA hardware of all slots
	Reset() error
	// number of slots on the device
	SlotCount() (int, error)
	// type and state of one slot
	SlotInfo(slot int) (SlotInfo, error)
}

// SlotInfo describes one CA slot
type SlotInfo struct {
	Type  int
	Flags int
}

// slot types and flags as reported by the CA device
const (
	SlotTypeCiLink = 2

	SlotFlagModulePresent = 1
	SlotFlagModuleReady   = 2
)

// transport layer tags
const (
	tagStatusByte    = 0x80
	tagReceiveData   = 0x81
	tagCreateTc      = 0x82
	tagCreateTcReply = 0x83
	tagDataLast      = 0xa0
	tagDataMore      = 0xa1

	statusDataAvailable = 0x80
)

// session layer tags
const (
	spduSessionNumber        = 0x90
	spduOpenSessionRequest   = 0x91
	spduOpenSessionResponse  = 0x92
	spduCloseSessionRequest  = 0x95
	spduCloseSessionResponse = 0x96

	sessionStatusOk          = 0x00
	sessionStatusNonExistent = 0xf0
)

// resource identifiers, the low 6 bits are the version
const (
	ResourceManager        = 0x00010041
	ApplicationInformation = 0x00020041
	ConditionalAccess      = 0x00030041

	resourceVersionMask = 0x3f
)

// fixed session numbers, one per supported resource
const (
	sessionResourceManager        = 1
	sessionApplicationInformation = 2
	sessionConditionalAccess      = 3
)

// application layer tags
const (
	apduProfileEnquiry = 0x9f8010
	apduProfile        = 0x9f8011
	apduProfileChange  = 0x9f8012
	apduAppInfoEnquiry = 0x9f8020
	apduAppInfo        = 0x9f8021
	apduCaInfoEnquiry  = 0x9f8030
	apduCaInfo         = 0x9f8031
	apduCaPmt          = 0x9f8032
	apduCaPmtReply     = 0x9f8033
)

// CA_PMT list management
const (
	ListMore   = 0x00
	ListFirst  = 0x01
	ListLast   = 0x02
	ListOnly   = 0x03
	ListAdd    = 0x04
	ListUpdate = 0x05
)

// CA_PMT command
const (
	CmdOkDescrambling = 0x01
	CmdOkMmi          = 0x02
	CmdQuery          = 0x03
	CmdNotSelected    = 0x04
)

// resources announced in the profile reply
var supportedResources = []uint32{ResourceManager, ApplicationInformation, ConditionalAccess}

// session number serving resource, 0 if unsupported
func sessionForResource(resource uint32) int {
	switch resource &^ resourceVersionMask {
	case ResourceManager &^ resourceVersionMask:
		return sessionResourceManager
	case ApplicationInformation &^ resourceVersionMask:
		return sessionApplicationInformation
	case ConditionalAccess &^ resourceVersionMask:
		return sessionConditionalAccess
	}
	return 0
}
