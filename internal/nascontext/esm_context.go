package nascontext

// ESMContext is the per-UE ESM sub-context: the pending procedure data and
// a retained inbound-message buffer for deferred replay during attach.
type ESMContext struct {
	ProcData        *ESMProcData
	RetainedInbound []byte
}

// SetProcData installs or clears the pending ESM proc-data.
func (e *ESMContext) SetProcData(d *ESMProcData) { e.ProcData = d }

// ClearProcData drops the pending ESM proc-data once it has been consumed.
func (e *ESMContext) ClearProcData() { e.ProcData = nil }
