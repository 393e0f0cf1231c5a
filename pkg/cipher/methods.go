package cipher

type Info struct {
	ID            Algorithm `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	RequiresShift bool      `json:"requiresShift"`
}

var catalogue = [...]Info{
	{ID: Caesar, Name: "Caesar cipher", Description: "Shifts letters and digits by a number of positions", RequiresShift: true},
	{ID: ROT13, Name: "ROT13", Description: "Fixed rotation of 13 positions", RequiresShift: false},
	{ID: Base64, Name: "Base64", Description: "Standard Base64 encoding", RequiresShift: false},
	{ID: Atbash, Name: "Atbash", Description: "Reverses the alphabet and the digits", RequiresShift: false},
}

// Methods returns a copy of the catalogue in its fixed order.
func Methods() []Info {
	out := make([]Info, len(catalogue))
	copy(out, catalogue[:])
	return out
}

func RequiresShift(alg Algorithm) bool {
	return alg == Caesar
}
