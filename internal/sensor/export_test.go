package sensor

type NVMLDevice = nvmlDevice

// SetNVMLOpener replaces the NVML initializer used by Discover.
func SetNVMLOpener(g *Graphics, open func() (NVMLDevice, error)) {
	g.openNVML = open
}

var (
	ParseProcStat  = parseProcStat
	ParseNvidiaSMI = parseNvidiaSMI
	ParseRadeontop = parseRadeontop
)
