package models

// ItemKind categorizes ledger entries. Only dimensioned (area-based) roll
// entries participate in splitting; count-based entries are tracked in the
// same ledger but never divided.
type ItemKind string

const (
	ItemKindRoll  ItemKind = "R"
	ItemKindCount ItemKind = "C"
)

func (k ItemKind) IsDimensioned() bool {
	return k == ItemKindRoll
}
