package tss

// Ordinal numbers, independent of this daemon's own internal/engine
// package the way a real TSS library's ordinals are independent of
// whatever chip firmware eventually answers them — the wire contract is
// the only thing client and server share.
const (
	ordStartup                  uint32 = 0x00000099
	ordSelfTestFull             uint32 = 0x00000050
	ordGetTestResult            uint32 = 0x00000054
	ordGetCapability            uint32 = 0x00000065
	ordResetLockValue           uint32 = 0x00000040
	ordTakeOwnership            uint32 = 0x0000000D
	ordCreateEndorsementKeyPair uint32 = 0x00000078

	ordOIAP uint32 = 0x0000000A
	ordOSAP uint32 = 0x0000000B
	ordDSAP uint32 = 0x00000031

	ordCreateWrapKey uint32 = 0x0000001F
	ordLoadKey2      uint32 = 0x00000041
	ordSign          uint32 = 0x0000003C
	ordGetPubKey     uint32 = 0x00000021
	ordEvictKey      uint32 = 0x00000022

	ordAuthorizeMigrationKey uint32 = 0x0000002B
	ordCreateMigrationBlob   uint32 = 0x00000018
	ordConvertMigrationBlob  uint32 = 0x0000002A
	ordCMKApproveMA          uint32 = 0x000000AC
	ordCMKCreateKey          uint32 = 0x00000013
	ordCMKCreateTicket       uint32 = 0x00000012
	ordCMKCreateBlob         uint32 = 0x0000001B
	ordCMKConvertMigration   uint32 = 0x00000024

	ordExtend    uint32 = 0x00000014
	ordPcrRead   uint32 = 0x00000015
	ordQuote     uint32 = 0x00000016
	ordQuote2    uint32 = 0x0000003E
	ordDeepQuote uint32 = 0x000000AD

	ordNVDefineSpace    uint32 = 0x000000CC
	ordNVWriteValue     uint32 = 0x000000CD
	ordNVWriteValueAuth uint32 = 0x000000CE
	ordNVReadValue      uint32 = 0x000000CF
	ordNVReadValueAuth  uint32 = 0x000000D0

	ordCreateCounter           uint32 = 0x000000DC
	ordIncrementCounter        uint32 = 0x000000DD
	ordReadCounter             uint32 = 0x000000DE
	ordReleaseCounter          uint32 = 0x000000DF
	ordSetOrdinalAuditStatus   uint32 = 0x0000008D
	ordGetAuditDigestSigned    uint32 = 0x000000A8

	ordDelegateManage             uint32 = 0x000000D2
	ordDelegateCreateOwnerDeleg   uint32 = 0x000000D4
	ordDelegateLoadOwnerDeleg     uint32 = 0x000000D1
	ordDelegateReadTable          uint32 = 0x000000DB
	ordDelegateUpdateVerification uint32 = 0x000000D3

	ordEstablishTransport     uint32 = 0x000000E6
	ordReleaseTransportSigned uint32 = 0x000000E8
)
