package sap

import (
	"context"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/device"
)

// work runs on the interface MLME work, one signal at a time.
func (m *MLME) work(ctx context.Context, ifc *device.Interface, sig *hip.Signal) {
	h, ok := m.handler(sig.ID)
	if !ok {
		ifc.Logger().Error("unhandled ind/cfm", "signal", sig.ID)
		sig.Free()
		return
	}
	h(ctx, ifc, sig)
}

// update runs fn under the interface lock and frees sig.
func update(fn func(st *device.VifState, sig *hip.Signal)) IndHandler {
	return func(_ context.Context, ifc *device.Interface, sig *hip.Signal) {
		ifc.Update(func(st *device.VifState) { fn(st, sig) })
		sig.Free()
	}
}

// logOnly records the signal at debug level and frees it.
func logOnly(_ context.Context, ifc *device.Interface, sig *hip.Signal) {
	ifc.Logger().Debug("indication", "signal", sig.ID, "len", sig.Len())
	sig.Free()
}

func (m *MLME) defaultHandlers() map[hip.SignalID]IndHandler {
	h := map[hip.SignalID]IndHandler{
		hip.MLMEScanInd: update(func(st *device.VifState, sig *hip.Signal) {
			st.Scanning = true
			if id, ok := sig.ScanID(); ok {
				st.ScanID = id
			}
		}),
		hip.MLMEScanDoneInd: update(func(st *device.VifState, _ *hip.Signal) {
			st.Scanning = false
		}),
		hip.MLMEConnectInd: update(func(st *device.VifState, _ *hip.Signal) {
			st.Status = device.StatusConnecting
		}),
		hip.MLMEConnectedInd: update(func(st *device.VifState, sig *hip.Signal) {
			st.Status = device.StatusConnected
			st.Activated = true
			if aid, ok := sig.BodyU16(0); ok && aid <= uint16(device.MaxPeerIndex) {
				st.Peers[uint8(aid)] = struct{}{}
			}
		}),
		hip.MLMEReceivedFrameInd: update(func(st *device.VifState, _ *hip.Signal) {
			st.Frames++
		}),
		hip.MLMEDisconnectInd: update(func(st *device.VifState, _ *hip.Signal) {
			st.Status = device.StatusDisconnecting
		}),
		hip.MLMEDisconnectedInd: update(func(st *device.VifState, _ *hip.Signal) {
			st.Status = device.StatusUnspecified
			clear(st.Peers)
		}),
		hip.MLMEProcedureStartedInd: update(func(st *device.VifState, _ *hip.Signal) {
			st.Activated = true
		}),
		hip.MABlockackInd: update(func(st *device.VifState, _ *hip.Signal) {
			st.BlockAcks++
		}),
		hip.MLMERoamedInd: update(func(st *device.VifState, _ *hip.Signal) {
			st.Roams++
			st.Status = device.StatusConnected
		}),
		hip.MLMEACPriorityUpdateInd: func(_ context.Context, ifc *device.Interface, sig *hip.Signal) {
			ifc.Logger().Debug("unexpected indication", "signal", sig.ID)
			sig.Free()
		},
	}
	for _, id := range []hip.SignalID{
		hip.MLMEFrameTransmissionInd,
		hip.MLMERoamInd,
		hip.MLMEMicFailureInd,
		hip.MLMEReassociateInd,
		hip.MLMETdlsPeerInd,
		hip.MLMEListenEndInd,
		hip.MLMEChannelSwitchedInd,
		hip.MLMERangeInd,
		hip.MLMERangeDoneInd,
		hip.MLMEEventLogInd,
		hip.MLMEBlacklistedInd,
		hip.MLMERoamingChannelListInd,
		hip.MLMESynchronisedInd,
		hip.MLMEBeaconReportingEventInd,
		hip.MLMESendFrameCfm,
	} {
		h[id] = logOnly
	}
	return h
}
