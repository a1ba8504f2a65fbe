package group

// Group names one of the places this module blocks waiting on something
// external; it tags the log lines of that wait so they can be told apart
// from those of any other wait.
type Group uint8

const (
	GroupInvalid      Group = 0
	GroupBootMainConn Group = 1
	GroupCatchupWait  Group = 2
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupBootMainConn:
		return "Boot MainConn Wait"
	case GroupCatchupWait:
		return "Catchup Wait"
	default:
		return "Unknown Group"
	}
}
