package clinical

import "time"

// AgeAt returns completed years between birth and at. The year only counts
// once the birthday's month and day have been reached, so someone born on
// 29 February turns a year older on 1 March in common years. The result is
// negative when birth is after at.
func AgeAt(birth, at time.Time) int {
	by, bm, bd := birth.Date()
	ay, am, ad := at.Date()

	age := ay - by
	if am < bm || (am == bm && ad < bd) {
		age--
	}
	return age
}
