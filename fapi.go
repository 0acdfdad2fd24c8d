package hip

import "fmt"

// SignalID is the 16-bit FAPI signal identifier. The top nibble selects the
// SAP and the next nibble the direction (request, confirm, response,
// indication).
type SignalID uint16

const (
	sapTypeMask  SignalID = 0xF000
	sapTypeMA    SignalID = 0x1000
	sapTypeMLME  SignalID = 0x2000
	sapTypeDebug SignalID = 0x8000
	sapTypeTest  SignalID = 0x9000

	sigTypeMask SignalID = 0x0F00
	sigTypeReq  SignalID = 0x0000
	sigTypeCfm  SignalID = 0x0100
	sigTypeRes  SignalID = 0x0200
	sigTypeInd  SignalID = 0x0300
)

// MA (data) SAP signals.
const (
	MAUnitdataReq SignalID = 0x1000
	MAUnitdataCfm SignalID = 0x1100
	MAUnitdataInd SignalID = 0x1300
	MABlockackInd SignalID = 0x1305
)

// MLME (control) SAP signals.
const (
	MLMEAddVifReq     SignalID = 0x2001
	MLMEDelVifReq     SignalID = 0x2002
	MLMEAddScanReq    SignalID = 0x2003
	MLMEConnectReq    SignalID = 0x2004
	MLMESendFrameReq  SignalID = 0x2005
	MLMEDisconnectReq SignalID = 0x2006
	MLMESetReq        SignalID = 0x2007

	MLMEAddVifCfm     SignalID = 0x2101
	MLMEDelVifCfm     SignalID = 0x2102
	MLMEAddScanCfm    SignalID = 0x2103
	MLMEConnectCfm    SignalID = 0x2104
	MLMESendFrameCfm  SignalID = 0x2105
	MLMEDisconnectCfm SignalID = 0x2106
	MLMESetCfm        SignalID = 0x2107

	MLMEScanInd                 SignalID = 0x2300
	MLMEScanDoneInd             SignalID = 0x2301
	MLMEConnectInd              SignalID = 0x2302
	MLMEConnectedInd            SignalID = 0x2303
	MLMEReceivedFrameInd        SignalID = 0x2304
	MLMEDisconnectInd           SignalID = 0x2305
	MLMEDisconnectedInd         SignalID = 0x2306
	MLMEProcedureStartedInd     SignalID = 0x2307
	MLMEFrameTransmissionInd    SignalID = 0x2308
	MLMERoamedInd               SignalID = 0x2309
	MLMERoamInd                 SignalID = 0x230a
	MLMEMicFailureInd           SignalID = 0x230b
	MLMEReassociateInd          SignalID = 0x230c
	MLMETdlsPeerInd             SignalID = 0x230d
	MLMEListenEndInd            SignalID = 0x230e
	MLMEChannelSwitchedInd      SignalID = 0x230f
	MLMEACPriorityUpdateInd     SignalID = 0x2310
	MLMERangeInd                SignalID = 0x2311
	MLMERangeDoneInd            SignalID = 0x2312
	MLMEEventLogInd             SignalID = 0x2313
	MLMEBlacklistedInd          SignalID = 0x2314
	MLMERoamingChannelListInd   SignalID = 0x2315
	MLMESynchronisedInd         SignalID = 0x2316
	MLMEBeaconReportingEventInd SignalID = 0x2317
)

// Debug SAP signals.
const (
	DebugGenericReq       SignalID = 0x8000
	DebugPktSinkStartReq  SignalID = 0x8001
	DebugPktSinkStopReq   SignalID = 0x8002
	DebugPktGenStartReq   SignalID = 0x8003
	DebugPktGenStopReq    SignalID = 0x8004
	DebugGenericCfm       SignalID = 0x8100
	DebugGenericInd       SignalID = 0x8300
	DebugWord12Ind        SignalID = 0x8301
	DebugFaultInd         SignalID = 0x8302
	DebugPktSinkReportInd SignalID = 0x8303
	DebugPktGenReportInd  SignalID = 0x8304
)

// Test SAP signals.
const (
	TestBlockRequestsReq   SignalID = 0x9000
	TestBlockRequestsCfm   SignalID = 0x9100
	TestPanicInd           SignalID = 0x9300
	TestRxFrameInd         SignalID = 0x9301
	TestConfigureResultInd SignalID = 0x9302
)

// IsMA reports whether id belongs to the data SAP.
func (id SignalID) IsMA() bool { return id&sapTypeMask == sapTypeMA }

// IsMLME reports whether id belongs to the control SAP.
func (id SignalID) IsMLME() bool { return id&sapTypeMask == sapTypeMLME }

// IsDebug reports whether id belongs to the debug SAP.
func (id SignalID) IsDebug() bool { return id&sapTypeMask == sapTypeDebug }

// IsTest reports whether id belongs to the test SAP.
func (id SignalID) IsTest() bool { return id&sapTypeMask == sapTypeTest }

func (id SignalID) IsReq() bool { return id&sigTypeMask == sigTypeReq }
func (id SignalID) IsCfm() bool { return id&sigTypeMask == sigTypeCfm }
func (id SignalID) IsRes() bool { return id&sigTypeMask == sigTypeRes }
func (id SignalID) IsInd() bool { return id&sigTypeMask == sigTypeInd }

var signalNames = map[SignalID]string{
	MAUnitdataReq: "MA_UNITDATA_REQ",
	MAUnitdataCfm: "MA_UNITDATA_CFM",
	MAUnitdataInd: "MA_UNITDATA_IND",
	MABlockackInd: "MA_BLOCKACK_IND",

	MLMEAddVifReq:     "MLME_ADD_VIF_REQ",
	MLMEDelVifReq:     "MLME_DEL_VIF_REQ",
	MLMEAddScanReq:    "MLME_ADD_SCAN_REQ",
	MLMEConnectReq:    "MLME_CONNECT_REQ",
	MLMESendFrameReq:  "MLME_SEND_FRAME_REQ",
	MLMEDisconnectReq: "MLME_DISCONNECT_REQ",
	MLMESetReq:        "MLME_SET_REQ",
	MLMEAddVifCfm:     "MLME_ADD_VIF_CFM",
	MLMEDelVifCfm:     "MLME_DEL_VIF_CFM",
	MLMEAddScanCfm:    "MLME_ADD_SCAN_CFM",
	MLMEConnectCfm:    "MLME_CONNECT_CFM",
	MLMESendFrameCfm:  "MLME_SEND_FRAME_CFM",
	MLMEDisconnectCfm: "MLME_DISCONNECT_CFM",
	MLMESetCfm:        "MLME_SET_CFM",

	MLMEScanInd:                 "MLME_SCAN_IND",
	MLMEScanDoneInd:             "MLME_SCAN_DONE_IND",
	MLMEConnectInd:              "MLME_CONNECT_IND",
	MLMEConnectedInd:            "MLME_CONNECTED_IND",
	MLMEReceivedFrameInd:        "MLME_RECEIVED_FRAME_IND",
	MLMEDisconnectInd:           "MLME_DISCONNECT_IND",
	MLMEDisconnectedInd:         "MLME_DISCONNECTED_IND",
	MLMEProcedureStartedInd:     "MLME_PROCEDURE_STARTED_IND",
	MLMEFrameTransmissionInd:    "MLME_FRAME_TRANSMISSION_IND",
	MLMERoamedInd:               "MLME_ROAMED_IND",
	MLMERoamInd:                 "MLME_ROAM_IND",
	MLMEMicFailureInd:           "MLME_MIC_FAILURE_IND",
	MLMEReassociateInd:          "MLME_REASSOCIATE_IND",
	MLMETdlsPeerInd:             "MLME_TDLS_PEER_IND",
	MLMEListenEndInd:            "MLME_LISTEN_END_IND",
	MLMEChannelSwitchedInd:      "MLME_CHANNEL_SWITCHED_IND",
	MLMEACPriorityUpdateInd:     "MLME_AC_PRIORITY_UPDATE_IND",
	MLMERangeInd:                "MLME_RANGE_IND",
	MLMERangeDoneInd:            "MLME_RANGE_DONE_IND",
	MLMEEventLogInd:             "MLME_EVENT_LOG_IND",
	MLMEBlacklistedInd:          "MLME_BLACKLISTED_IND",
	MLMERoamingChannelListInd:   "MLME_ROAMING_CHANNEL_LIST_IND",
	MLMESynchronisedInd:         "MLME_SYNCHRONISED_IND",
	MLMEBeaconReportingEventInd: "MLME_BEACON_REPORTING_EVENT_IND",

	DebugGenericReq:       "DEBUG_GENERIC_REQ",
	DebugPktSinkStartReq:  "DEBUG_PKT_SINK_START_REQ",
	DebugPktSinkStopReq:   "DEBUG_PKT_SINK_STOP_REQ",
	DebugPktGenStartReq:   "DEBUG_PKT_GEN_START_REQ",
	DebugPktGenStopReq:    "DEBUG_PKT_GEN_STOP_REQ",
	DebugGenericCfm:       "DEBUG_GENERIC_CFM",
	DebugGenericInd:       "DEBUG_GENERIC_IND",
	DebugWord12Ind:        "DEBUG_WORD12_IND",
	DebugFaultInd:         "DEBUG_FAULT_IND",
	DebugPktSinkReportInd: "DEBUG_PKT_SINK_REPORT_IND",
	DebugPktGenReportInd:  "DEBUG_PKT_GEN_REPORT_IND",

	TestBlockRequestsReq:   "TEST_BLOCK_REQUESTS_REQ",
	TestBlockRequestsCfm:   "TEST_BLOCK_REQUESTS_CFM",
	TestPanicInd:           "TEST_PANIC_IND",
	TestRxFrameInd:         "TEST_RX_FRAME_IND",
	TestConfigureResultInd: "TEST_CONFIGURE_RESULT_IND",
}

// String returns the FAPI name of the signal, or its hex value when unknown.
func (id SignalID) String() string {
	if name, ok := signalNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(id))
}

// ParseSignalID parses a signal name (e.g. "MLME_SCAN_IND") or a numeric
// value in any base accepted by fmt (e.g. "0x2300").
func ParseSignalID(s string) (SignalID, error) {
	for id, name := range signalNames {
		if name == s {
			return id, nil
		}
	}
	var v uint16
	if _, err := fmt.Sscan(s, &v); err != nil {
		return 0, fmt.Errorf("invalid signal id %q", s)
	}
	return SignalID(v), nil
}
