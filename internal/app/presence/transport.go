package presence

// Transport is the delivery surface the router drives. Groups are keyed by user ID;
// every authenticated connection belongs to exactly one group.
//
// All methods are called from the router loop only and must not block: delivery is
// best-effort.
type Transport interface {
	// Emit delivers ev to a single connection.
	Emit(connID string, ev Event)

	// EmitToGroup delivers ev to every connection of userID.
	EmitToGroup(userID string, ev Event)

	// EmitToAll delivers ev to every connection that has joined a group.
	EmitToAll(ev Event)

	// EmitToOthers delivers ev to every connection that has joined a group, except connID.
	EmitToOthers(connID string, ev Event)

	// Join adds connID to the group of userID.
	Join(connID, userID string)

	// Leave removes connID from its group.
	Leave(connID string)

	// CountInGroup returns the number of connections in the group of userID.
	CountInGroup(userID string) int
}
