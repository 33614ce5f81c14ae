package plan

// NewAstraeaSweep is the default coordinated plan: astraea on the server,
// cubic on the receiver, sizes 32 MB down to 512 KB.
func NewAstraeaSweep() CyclePlan {
	return &Static{
		PlanID:     "astraea-sweep",
		Desc:       "astraea server, cubic receiver, 32MB..512KB",
		Algs:       []string{"astraea"},
		SizesBytes: KB(DefaultSizesKB...),
		ClientAlg:  "cubic",
	}
}

// NewSmallSweep cycles small requests against a single server algorithm.
func NewSmallSweep() CyclePlan {
	return &Static{
		PlanID:     "small-sweep",
		Desc:       "cubic both ends, 32KB..1KB then 512KB",
		Algs:       []string{"cubic"},
		SizesBytes: KB(32, 16, 8, 4, 2, 1, 512),
		ClientAlg:  "cubic",
	}
}

// NewAlgorithmsOnly cycles algorithms with the size fixed in the transfer binary.
func NewAlgorithmsOnly() CyclePlan {
	return &Static{
		PlanID:    "algorithms-only",
		Desc:      "astraea, cubic, bbr with binary-configured size",
		Algs:      []string{"astraea", "cubic", "bbr"},
		ClientAlg: "cubic",
	}
}
