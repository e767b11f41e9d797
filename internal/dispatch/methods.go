package dispatch

// methodTable is the routing table of spec.md §4.6: manager RPC method
// name to handler. A method absent from this table yields UNIMPLEMENTED.
var methodTable = map[string]handlerFunc{
	"Query.query":       handleQueryQuery,
	"Query.diagnostics":  handleQueryDiagnostics,

	"SR.attach":                handleSRAttach,
	"SR.detach":                handleSRDetach,
	"SR.probe":                 handleSRProbe,
	"SR.create":                handleSRCreate,
	"SR.set_name_label":        handleSRSetNameLabel,
	"SR.set_name_description":  handleSRSetNameDescription,
	"SR.destroy":               handleSRDestroy,
	"SR.scan":                  handleSRScan,
	"SR.stat":                  handleSRStat,

	"VDI.create":                handleVDICreate,
	"VDI.destroy":                handleVDIDestroy,
	"VDI.snapshot":               handleVDISnapshot,
	"VDI.clone":                  handleVDIClone,
	"VDI.set_name_label":         handleVDISetNameLabel,
	"VDI.set_name_description":   handleVDISetNameDescription,
	"VDI.resize":                 handleVDIResize,
	"VDI.stat":                   handleVDIStat,
	"VDI.introduce":              handleVDIIntroduce,
	"VDI.attach":                 handleVDIAttach,
	"VDI.activate":               handleVDIActivate,
	"VDI.deactivate":             handleVDIDeactivate,
	"VDI.detach":                 handleVDIDetach,
	"VDI.epoch_begin":            handleVDIEpochBegin,
	"VDI.epoch_end":              handleVDIEpochEnd,
	"VDI.set_persistent":         handleVDISetPersistent,
}
