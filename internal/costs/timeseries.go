package costs

// CostTimeSeries is the hourly per-model cost series. Every model array
// has exactly len(Times) points so indexes line up across models; a new
// model is backfilled with zeros for the hours it missed.
type CostTimeSeries struct {
	Times  []string             `json:"times"`
	Models map[string][]float64 `json:"models"`
}

func newCostTimeSeries() CostTimeSeries {
	return CostTimeSeries{Models: make(map[string][]float64)}
}

// add books cost for model into the bucket labelled hour, appending a
// bucket when the hour advances and trimming all arrays evenly once the
// series exceeds maxBuckets.
func (s *CostTimeSeries) add(hour, model string, cost float64, maxBuckets int) {
	if len(s.Times) == 0 || s.Times[len(s.Times)-1] != hour {
		s.Times = append(s.Times, hour)
		for m := range s.Models {
			s.Models[m] = append(s.Models[m], 0)
		}
	}
	if s.Models == nil {
		s.Models = make(map[string][]float64)
	}
	arr, ok := s.Models[model]
	if !ok {
		arr = make([]float64, len(s.Times))
	}
	for len(arr) < len(s.Times) {
		arr = append(arr, 0)
	}
	arr[len(arr)-1] = round6(arr[len(arr)-1] + cost)
	s.Models[model] = arr

	if maxBuckets > 0 && len(s.Times) > maxBuckets {
		drop := len(s.Times) - maxBuckets
		s.Times = append([]string(nil), s.Times[drop:]...)
		for m, a := range s.Models {
			s.Models[m] = append([]float64(nil), a[drop:]...)
		}
	}
}

func (s CostTimeSeries) clone() CostTimeSeries {
	out := CostTimeSeries{
		Times:  append([]string(nil), s.Times...),
		Models: make(map[string][]float64, len(s.Models)),
	}
	for m, a := range s.Models {
		out.Models[m] = append([]float64(nil), a...)
	}
	return out
}

// aligned reports whether every model array matches the time axis.
// Misaligned persisted series are dropped rather than repaired.
func (s CostTimeSeries) aligned() bool {
	for _, a := range s.Models {
		if len(a) != len(s.Times) {
			return false
		}
	}
	return true
}
