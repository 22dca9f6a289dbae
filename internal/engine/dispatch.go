package engine

// buildDispatchTable wires every ordinal this engine supports to its
// handler function. It is built once at construction time; the table
// itself never changes afterward, only the Engine state the handlers
// read and mutate.
func buildDispatchTable() map[uint32]ordinalHandler {
	return map[uint32]ordinalHandler{
		OrdStartup:        handleStartup,
		OrdSelfTestFull:   handleSelfTestFull,
		OrdGetTestResult:  handleGetTestResult,
		OrdGetCapability:  handleGetCapability,
		OrdResetLockValue: handleResetLockValue,

		OrdTakeOwnership:            handleTakeOwnership,
		OrdCreateEndorsementKeyPair: handleCreateEndorsementKeyPair,
		OrdOIAP:                     handleOIAP,
		OrdOSAP:                     handleOSAP,
		OrdDSAP:                     handleDSAP,
		OrdCreateWrapKey:            handleCreateWrapKey,
		OrdLoadKey2:                 handleLoadKey2,
		OrdSign:                     handleSign,
		OrdGetPubKey:                handleGetPubKey,
		OrdEvictKey:                 handleEvictKey,

		OrdAuthorizeMigrationKey: handleAuthorizeMigrationKey,
		OrdCreateMigrationBlob:   handleCreateMigrationBlob,
		OrdConvertMigrationBlob:  handleConvertMigrationBlob,
		OrdCMKApproveMA:          handleCMKApproveMA,
		OrdCMKCreateKey:          handleCMKCreateKey,
		OrdCMKCreateTicket:       handleCMKCreateTicket,
		OrdCMKCreateBlob:         handleCMKCreateBlob,
		OrdCMKConvertMigration:   handleCMKConvertMigration,

		OrdExtend:     handleExtend,
		OrdPcrRead:    handlePcrRead,
		OrdQuote:      handleQuote,
		OrdQuote2:     handleQuote2,
		OrdDeepQuote:  handleDeepQuote,

		OrdNVDefineSpace:    handleNVDefineSpace,
		OrdNVWriteValue:     handleNVWriteValue,
		OrdNVWriteValueAuth: handleNVWriteValueAuth,
		OrdNVReadValue:      handleNVReadValue,
		OrdNVReadValueAuth:  handleNVReadValueAuth,

		OrdCreateCounter:         handleCreateCounter,
		OrdIncrementCounter:      handleIncrementCounter,
		OrdReadCounter:           handleReadCounter,
		OrdReleaseCounter:        handleReleaseCounter,
		OrdSetOrdinalAuditStatus: handleSetOrdinalAuditStatus,
		OrdGetAuditDigestSigned:  handleGetAuditDigestSigned,

		OrdDelegateManage:             handleDelegateManage,
		OrdDelegateCreateOwnerDeleg:   handleDelegateCreateOwnerDelegation,
		OrdDelegateLoadOwnerDeleg:     handleDelegateLoadOwnerDelegation,
		OrdDelegateReadTable:          handleDelegateReadTable,
		OrdDelegateUpdateVerification: handleDelegateUpdateVerification,

		OrdEstablishTransport:     handleEstablishTransport,
		OrdReleaseTransportSigned: handleReleaseTransportSigned,
	}
}
