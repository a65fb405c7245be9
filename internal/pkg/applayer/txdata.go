package applayer

// DetectState is an opaque handle the detection engine may attach to a
// transaction. The transaction owns the handle once set and releases it on
// destruction.
type DetectState interface {
	Release()
}

// TxData carries the per-transaction bookkeeping shared by all protocols: the
// ordered anomaly event list and the at-most-one detect-state slot.
type TxData struct {
	events      []int
	detectState DetectState
}

// SetEvent appends an anomaly event id. Order of occurrence is preserved.
func (d *TxData) SetEvent(id int) {
	d.events = append(d.events, id)
}

// Events returns the ordered event ids recorded so far.
func (d *TxData) Events() []int {
	return d.events
}

// HasEvent reports whether the given event id was recorded.
func (d *TxData) HasEvent(id int) bool {
	for _, ev := range d.events {
		if ev == id {
			return true
		}
	}
	return false
}

// SetDetectState stores the detection engine's handle, releasing any previous
// occupant so the slot never holds more than one owner.
func (d *TxData) SetDetectState(ds DetectState) {
	if d.detectState != nil && d.detectState != ds {
		d.detectState.Release()
	}
	d.detectState = ds
}

// DetectState returns the stored handle, or nil.
func (d *TxData) DetectState() DetectState {
	return d.detectState
}

// Release frees the detect-state slot. Called on transaction destruction.
func (d *TxData) Release() {
	if d.detectState != nil {
		d.detectState.Release()
		d.detectState = nil
	}
}
