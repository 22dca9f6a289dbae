package wire

// ReturnCode is a TPM 1.2 numeric return code. Every distinct code in the
// TPM 1.2 error table is preserved bit-exactly on the wire — callers never
// collapse two distinct codes into one "internal error".
type ReturnCode uint32

// Success and the fatal/protocol/authorization/resource/precondition
// error codes of the TPM 1.2 return code table.
const (
	Success ReturnCode = 0x00000000

	AuthFail            ReturnCode = 0x00000001
	BadIndex            ReturnCode = 0x00000002
	BadParameter        ReturnCode = 0x00000003
	AuditFailure        ReturnCode = 0x00000004
	ClearDisabled       ReturnCode = 0x00000005
	Deactivated         ReturnCode = 0x00000006
	Disabled            ReturnCode = 0x00000007
	DisabledCmd         ReturnCode = 0x00000008
	Fail                ReturnCode = 0x00000009
	BadOrdinal          ReturnCode = 0x0000000A
	InstallDisabled     ReturnCode = 0x0000000B
	InvalidKeyHandle    ReturnCode = 0x0000000C
	KeyNotFound         ReturnCode = 0x0000000D
	InappropriateEnc    ReturnCode = 0x0000000E
	MigrateFail         ReturnCode = 0x0000000F
	InvalidPCRInfo      ReturnCode = 0x00000010
	NoSpace             ReturnCode = 0x00000011
	NoSRK               ReturnCode = 0x00000012
	NotSealedBlob       ReturnCode = 0x00000013
	OwnerSet            ReturnCode = 0x00000014
	Resources           ReturnCode = 0x00000015
	ShortRandom         ReturnCode = 0x00000016
	Size                ReturnCode = 0x00000017
	WrongPCRVal         ReturnCode = 0x00000018
	BadParamSize        ReturnCode = 0x00000019
	FailedSelfTest      ReturnCode = 0x0000001C
	Auth2Fail           ReturnCode = 0x0000001D
	BadTag              ReturnCode = 0x0000001E
	EncryptError        ReturnCode = 0x00000020
	DecryptError        ReturnCode = 0x00000021
	InvalidAuthHandle   ReturnCode = 0x00000022
	NoEndorsement       ReturnCode = 0x00000023
	InvalidKeyUsage     ReturnCode = 0x00000024
	WrongEntityType     ReturnCode = 0x00000025
	InvalidPostInit     ReturnCode = 0x00000026
	BadMigration        ReturnCode = 0x00000029
	BadScheme           ReturnCode = 0x0000002A
	BadDataSize         ReturnCode = 0x0000002B
	BadMode             ReturnCode = 0x0000002C
	NoWrapTransport     ReturnCode = 0x0000002F
	NotResetable        ReturnCode = 0x00000032
	NotLocal            ReturnCode = 0x00000033
	InvalidResource     ReturnCode = 0x00000035
	InvalidFamily       ReturnCode = 0x00000037
	NoNVPermission      ReturnCode = 0x00000038
	AuthConflict        ReturnCode = 0x0000003B
	AreaLocked          ReturnCode = 0x0000003C
	BadLocality         ReturnCode = 0x0000003D
	ReadOnly            ReturnCode = 0x0000003E
	PerNoWrite          ReturnCode = 0x0000003F
	WriteLocked         ReturnCode = 0x00000041
	BadAttributes       ReturnCode = 0x00000042
	InvalidStructure    ReturnCode = 0x00000043
	BadCounter          ReturnCode = 0x00000045
	DelegateLock        ReturnCode = 0x0000004B
	DelegateFamily      ReturnCode = 0x0000004C
	DelegateAdmin       ReturnCode = 0x0000004D
	BadHandle           ReturnCode = 0x00000058
	BadDelegate         ReturnCode = 0x00000059
	BadSignature        ReturnCode = 0x00000062

	// Non-fatal / retry range.
	NonFatalBase       ReturnCode = 0x00000800
	Retry              ReturnCode = NonFatalBase + 0
	NeedsSelfTest      ReturnCode = NonFatalBase + 1
	DoingSelfTest      ReturnCode = NonFatalBase + 2
	DefendLockRunning  ReturnCode = NonFatalBase + 3
)

// IsNonFatal reports whether code is in the TPM_NON_FATAL range (e.g.
// TPM_RETRY), meaning the caller should retry rather than treat it as a
// hard failure.
func (c ReturnCode) IsNonFatal() bool {
	return c >= NonFatalBase
}

var names = map[ReturnCode]string{
	Success:           "TPM_SUCCESS",
	AuthFail:          "TPM_AUTHFAIL",
	BadIndex:          "TPM_BADINDEX",
	BadParameter:      "TPM_BAD_PARAMETER",
	AuditFailure:      "TPM_AUDITFAILURE",
	ClearDisabled:     "TPM_CLEAR_DISABLED",
	Deactivated:       "TPM_DEACTIVATED",
	Disabled:          "TPM_DISABLED",
	DisabledCmd:       "TPM_DISABLED_CMD",
	Fail:              "TPM_FAIL",
	BadOrdinal:        "TPM_BAD_ORDINAL",
	InstallDisabled:   "TPM_INSTALL_DISABLED",
	InvalidKeyHandle:  "TPM_INVALID_KEYHANDLE",
	KeyNotFound:       "TPM_KEYNOTFOUND",
	InappropriateEnc:  "TPM_INAPPROPRIATE_ENC",
	MigrateFail:       "TPM_MIGRATEFAIL",
	InvalidPCRInfo:    "TPM_INVALID_PCR_INFO",
	NoSpace:           "TPM_NOSPACE",
	NoSRK:             "TPM_NOSRK",
	NotSealedBlob:     "TPM_NOTSEALED_BLOB",
	OwnerSet:          "TPM_OWNER_SET",
	Resources:         "TPM_RESOURCES",
	ShortRandom:       "TPM_SHORTRANDOM",
	Size:              "TPM_SIZE",
	WrongPCRVal:       "TPM_WRONGPCRVAL",
	BadParamSize:      "TPM_BAD_PARAM_SIZE",
	FailedSelfTest:    "TPM_FAILEDSELFTEST",
	Auth2Fail:         "TPM_AUTH2FAIL",
	BadTag:            "TPM_BADTAG",
	EncryptError:      "TPM_ENCRYPT_ERROR",
	DecryptError:      "TPM_DECRYPT_ERROR",
	InvalidAuthHandle: "TPM_INVALID_AUTHHANDLE",
	NoEndorsement:     "TPM_NO_ENDORSEMENT",
	InvalidKeyUsage:   "TPM_INVALID_KEYUSAGE",
	WrongEntityType:   "TPM_WRONG_ENTITYTYPE",
	InvalidPostInit:   "TPM_INVALID_POSTINIT",
	BadMigration:      "TPM_BAD_MIGRATION",
	BadScheme:         "TPM_BAD_SCHEME",
	BadDataSize:       "TPM_BAD_DATASIZE",
	BadMode:           "TPM_BAD_MODE",
	NoWrapTransport:   "TPM_NO_WRAP_TRANSPORT",
	NotResetable:      "TPM_NOTRESETABLE",
	NotLocal:          "TPM_NOTLOCAL",
	InvalidResource:   "TPM_INVALID_RESOURCE",
	InvalidFamily:     "TPM_INVALID_FAMILY",
	NoNVPermission:    "TPM_NO_NV_PERMISSION",
	AuthConflict:      "TPM_AUTH_CONFLICT",
	AreaLocked:        "TPM_AREA_LOCKED",
	BadLocality:       "TPM_BAD_LOCALITY",
	ReadOnly:          "TPM_READ_ONLY",
	PerNoWrite:        "TPM_PER_NOWRITE",
	WriteLocked:       "TPM_WRITE_LOCKED",
	BadAttributes:     "TPM_BAD_ATTRIBUTES",
	InvalidStructure:  "TPM_INVALID_STRUCTURE",
	BadCounter:        "TPM_BAD_COUNTER",
	DelegateLock:      "TPM_DELEGATE_LOCK",
	DelegateFamily:    "TPM_DELEGATE_FAMILY",
	DelegateAdmin:     "TPM_DELEGATE_ADMIN",
	BadHandle:         "TPM_BAD_HANDLE",
	BadDelegate:       "TPM_BAD_DELEGATE",
	BadSignature:      "TPM_BAD_SIGNATURE",
	Retry:             "TPM_RETRY",
	NeedsSelfTest:     "TPM_NEEDS_SELFTEST",
	DoingSelfTest:     "TPM_DOING_SELFTEST",
	DefendLockRunning: "TPM_DEFEND_LOCK_RUNNING",
}

// String renders the TCG mnemonic for code, or a hex fallback for any code
// not in the table above (never silently mapped to a different code).
func (c ReturnCode) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return "TPM_ERROR(0x" + hex32(uint32(c)) + ")"
}

func hex32(v uint32) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// Error adapts a ReturnCode to the error interface so it can be returned
// directly from engine and tss functions.
func (c ReturnCode) Error() string {
	return c.String()
}
