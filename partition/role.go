package partition

import (
	"github.com/looplab/fsm"
)

// Role is the part a replica plays in its partition
type Role int

const (
	// RoleInactive replicas hold no resources. It is the initial role
	// and the terminal role after a fatal failure or shutdown.
	RoleInactive Role = iota
	// RoleFollower replicas replay the log
	RoleFollower
	// RoleLeader replicas process commands and run exporters
	RoleLeader
)

func (role Role) String() string {
	switch role {
	case RoleInactive:
		return "INACTIVE"
	case RoleFollower:
		return "FOLLOWER"
	case RoleLeader:
		return "LEADER"
	}

	return "UNKNOWN"
}

const (
	stateInactive = "INACTIVE"
	stateFollower = "FOLLOWER"
	stateLeader   = "LEADER"
	// a replica that left an active role for INACTIVE never comes back
	stateClosed = "CLOSED"

	eventFollow = "follow"
	eventLead   = "lead"
	eventClose  = "close"
)

var roleStates = map[Role]string{
	RoleInactive: stateInactive,
	RoleFollower: stateFollower,
	RoleLeader:   stateLeader,
}

// roleMachine tracks the legal role sequence of a partition.
// Transitions are checked with Can before a pipeline runs and
// recorded with SetState after it succeeds.
type roleMachine struct {
	fsm *fsm.FSM
}

func newRoleMachine() *roleMachine {
	return &roleMachine{
		fsm: fsm.NewFSM(
			stateInactive,
			fsm.Events{
				{Name: eventFollow, Src: []string{stateInactive, stateFollower, stateLeader}, Dst: stateFollower},
				{Name: eventLead, Src: []string{stateFollower, stateLeader}, Dst: stateLeader},
				{Name: eventClose, Src: []string{stateInactive, stateFollower, stateLeader}, Dst: stateClosed},
			},
			fsm.Callbacks{},
		),
	}
}

func eventFor(role Role) string {
	switch role {
	case RoleFollower:
		return eventFollow
	case RoleLeader:
		return eventLead
	}

	return eventClose
}

// can reports whether the partition may move to role
func (machine *roleMachine) can(role Role) bool {
	return machine.fsm.Can(eventFor(role))
}

// enter records that the partition now has role
func (machine *roleMachine) enter(role Role) {
	if role == RoleInactive {
		machine.fsm.SetState(stateClosed)

		return
	}

	machine.fsm.SetState(roleStates[role])
}

// current returns the partition's role
func (machine *roleMachine) current() Role {
	switch machine.fsm.Current() {
	case stateFollower:
		return RoleFollower
	case stateLeader:
		return RoleLeader
	}

	return RoleInactive
}

// closed reports whether the partition reached its terminal role
func (machine *roleMachine) closed() bool {
	return machine.fsm.Current() == stateClosed
}
