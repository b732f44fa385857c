package matching

// Compatible reports whether a and b accept each other.
func Compatible(a, b Candidate) bool {
	return accepts(a, b) && accepts(b, a)
}

// accepts applies viewer's preferences to candidate. Only the attribute
// preference depends on the search mode; verified-only and the age window
// hold in random mode too. The age window only applies to premium viewers,
// and a candidate with unknown age passes it.
func accepts(viewer, candidate Candidate) bool {
	v, c := viewer.Profile, candidate.Profile

	if viewer.Mode == ModeFiltered && v.Preference != "" && c.Gender != v.Preference {
		return false
	}
	if v.VerifiedOnly && !c.Verified {
		return false
	}
	if viewer.Premium && v.HasAgeWindow() && c.Age > 0 {
		if v.AgeMin > 0 && c.Age < v.AgeMin {
			return false
		}
		if v.AgeMax > 0 && c.Age > v.AgeMax {
			return false
		}
	}
	return true
}
