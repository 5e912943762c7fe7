package emit

// MultiEmitter fans each event out to several backends, so a deployment
// can log to stdout and trace to OpenTelemetry from the same stream.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters; nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit forwards the event to every backend.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
