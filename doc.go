// Package hip holds the types shared by the host interface protocol
// dispatch layer: owned signal buffers and their header codec, FAPI signal
// identifiers, SAP classes and versions, lifecycle events and the error
// values every layer returns.
//
// The dispatch core itself lives in the dispatcher package; the
// per-class handlers live in sap.
package hip
