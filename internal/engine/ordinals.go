package engine

// TPM 1.2 ordinals this engine dispatches. Numeric values match the
// reference TPM 1.2 ordinal table; names match the command they invoke.
const (
	OrdStartup                  uint32 = 0x00000099
	OrdSelfTestFull              uint32 = 0x00000050
	OrdGetTestResult             uint32 = 0x00000054
	OrdGetCapability             uint32 = 0x00000065
	OrdResetLockValue            uint32 = 0x00000040

	OrdTakeOwnership             uint32 = 0x0000000D
	OrdCreateEndorsementKeyPair  uint32 = 0x00000078
	OrdOIAP                      uint32 = 0x0000000A
	OrdOSAP                      uint32 = 0x0000000B
	OrdDSAP                      uint32 = 0x00000031
	OrdCreateWrapKey             uint32 = 0x0000001F
	OrdLoadKey2                  uint32 = 0x00000041
	OrdSign                      uint32 = 0x0000003C
	OrdGetPubKey                 uint32 = 0x00000021
	OrdEvictKey                  uint32 = 0x00000022

	OrdAuthorizeMigrationKey     uint32 = 0x0000002B
	OrdCreateMigrationBlob       uint32 = 0x00000018
	OrdConvertMigrationBlob      uint32 = 0x0000002A
	OrdCMKApproveMA              uint32 = 0x000000AC
	OrdCMKCreateKey              uint32 = 0x00000013
	OrdCMKCreateTicket           uint32 = 0x00000012
	OrdCMKCreateBlob             uint32 = 0x0000001B
	OrdCMKConvertMigration       uint32 = 0x00000024

	OrdExtend                    uint32 = 0x00000014
	OrdPcrRead                   uint32 = 0x00000015
	OrdQuote                     uint32 = 0x00000016
	OrdQuote2                    uint32 = 0x0000003E
	OrdDeepQuote                 uint32 = 0x000000AD

	OrdNVDefineSpace             uint32 = 0x000000CC
	OrdNVWriteValue              uint32 = 0x000000CD
	OrdNVWriteValueAuth          uint32 = 0x000000CE
	OrdNVReadValue               uint32 = 0x000000CF
	OrdNVReadValueAuth           uint32 = 0x000000D0

	OrdCreateCounter             uint32 = 0x000000DC
	OrdIncrementCounter          uint32 = 0x000000DD
	OrdReadCounter               uint32 = 0x000000DE
	OrdReleaseCounter            uint32 = 0x000000DF
	OrdSetOrdinalAuditStatus     uint32 = 0x0000008D
	OrdGetAuditDigestSigned      uint32 = 0x000000A8

	OrdDelegateManage            uint32 = 0x000000D2
	OrdDelegateCreateOwnerDeleg  uint32 = 0x000000D4
	OrdDelegateLoadOwnerDeleg    uint32 = 0x000000D1
	OrdDelegateReadTable         uint32 = 0x000000DB
	OrdDelegateUpdateVerification uint32 = 0x000000D3

	OrdEstablishTransport        uint32 = 0x000000E6
	OrdReleaseTransportSigned    uint32 = 0x000000E8
)

// tagFamily is the expected auth-session tag family for an ordinal:
// 0 = no-auth, 1 = one-auth, 2 = two-auth.
var tagFamily = map[uint32]int{
	OrdStartup:                   0,
	OrdSelfTestFull:               0,
	OrdGetTestResult:              0,
	OrdGetCapability:              0,
	OrdResetLockValue:             1,

	OrdTakeOwnership:              1,
	OrdCreateEndorsementKeyPair:   0,
	OrdOIAP:                       0,
	OrdOSAP:                       0,
	OrdDSAP:                       0,
	OrdCreateWrapKey:              1,
	OrdLoadKey2:                   1,
	OrdSign:                       1,
	OrdGetPubKey:                  1,
	OrdEvictKey:                   1,

	OrdAuthorizeMigrationKey:      1,
	OrdCreateMigrationBlob:        1,
	OrdConvertMigrationBlob:       1,
	OrdCMKApproveMA:               1,
	OrdCMKCreateKey:               1,
	OrdCMKCreateTicket:            1,
	OrdCMKCreateBlob:              1,
	OrdCMKConvertMigration:        1,

	OrdExtend:                     0,
	OrdPcrRead:                    0,
	OrdQuote:                      1,
	OrdQuote2:                     1,
	OrdDeepQuote:                  1,

	OrdNVDefineSpace:              1,
	OrdNVWriteValue:                0,
	OrdNVWriteValueAuth:            1,
	OrdNVReadValue:                 0,
	OrdNVReadValueAuth:             1,

	OrdCreateCounter:              1,
	OrdIncrementCounter:           1,
	OrdReadCounter:                0,
	OrdReleaseCounter:             1,
	OrdSetOrdinalAuditStatus:      1,
	OrdGetAuditDigestSigned:       1,

	OrdDelegateManage:             1,
	OrdDelegateCreateOwnerDeleg:   1,
	OrdDelegateLoadOwnerDeleg:     0,
	OrdDelegateReadTable:          0,
	OrdDelegateUpdateVerification: 1,

	OrdEstablishTransport:         1,
	OrdReleaseTransportSigned:     1,
}
