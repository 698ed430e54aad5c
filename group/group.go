package group

type Group uint8

const (
	GroupInvalid Group = 0
	GroupTick    Group = 1
	GroupStatus  Group = 2
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupTick:
		return "Tick"
	case GroupStatus:
		return "Status"
	default:
		return "Unknown Group"
	}
}
