package table

// Status is the occupancy state of a dining table.
type Status string

const (
	StatusFree     Status = "FREE"
	StatusOccupied Status = "OCCUPIED"
	StatusReserved Status = "RESERVED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusOccupied, StatusReserved:
		return true
	default:
		return false
	}
}

// Table is a physical seating unit. Tables are created by administration
// tooling; the core only mutates Status and Label.
type Table struct {
	ID       string
	Label    string
	Capacity int
	Status   Status
}
