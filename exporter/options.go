package exporter

// Options selects what Run exports and where.
type Options struct {
	OutputRoot         string
	CoordinateSpace    string
	ParcellationPrefix string
	AtlasName          string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		OutputRoot:         "./parcellations/Julich-Brain",
		CoordinateSpace:    "mni152",
		ParcellationPrefix: "JULICH",
		AtlasName:          "human",
	}
}

// withDefaults fills empty fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OutputRoot == "" {
		o.OutputRoot = d.OutputRoot
	}
	if o.CoordinateSpace == "" {
		o.CoordinateSpace = d.CoordinateSpace
	}
	if o.ParcellationPrefix == "" {
		o.ParcellationPrefix = d.ParcellationPrefix
	}
	if o.AtlasName == "" {
		o.AtlasName = d.AtlasName
	}
	return o
}
