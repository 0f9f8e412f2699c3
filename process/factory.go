package process

// FactoryID identifies the virtual process factory when hosts register
// factories by name.
const FactoryID = "vproc.process.virtual"

// Factory creates virtual processes with a shared set of options.
type Factory struct {
	opts []Option
}

// NewFactory returns a Factory whose processes are created with opts.
func NewFactory(opts ...Option) *Factory {
	return &Factory{opts: opts}
}

// ID returns FactoryID.
func (f *Factory) ID() string { return FactoryID }

// NewProcess creates a process registered with l. Per-call opts apply after
// the factory's own.
func (f *Factory) NewProcess(l Launch, label string, attrs map[string]string, opts ...Option) *VirtualProcess {
	all := make([]Option, 0, len(f.opts)+len(opts))
	all = append(all, f.opts...)
	all = append(all, opts...)
	return New(l, label, attrs, all...)
}
