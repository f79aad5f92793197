package state

// Subscription lets an element instance catch errors thrown inside
// it while it is ACTIVATED. CatchElementID is a boundary event
// attached to the owner or an event sub process of the owner.
type Subscription struct {
	OwnerKey        int64  `json:"ownerKey"`
	CatchElementID  string `json:"catchElementId"`
	ErrorCode       string `json:"errorCode,omitempty"`
	CatchAll        bool   `json:"catchAll,omitempty"`
	Interrupting    bool   `json:"interrupting"`
	EventSubProcess bool   `json:"eventSubProcess,omitempty"`
}

// Matches reports whether the subscription catches the error code.
// An empty code is only caught by catch-all subscriptions.
func (subscription Subscription) Matches(errorCode string) bool {
	if subscription.CatchAll {
		return true
	}

	return errorCode != "" && subscription.ErrorCode == errorCode
}

// EventTrigger remembers an interrupting catch while the owner's
// children, or the owner itself, are being terminated
type EventTrigger struct {
	OwnerKey        int64  `json:"ownerKey"`
	CatchElementID  string `json:"catchElementId"`
	ErrorCode       string `json:"errorCode,omitempty"`
	EventSubProcess bool   `json:"eventSubProcess,omitempty"`
}

// PutSubscription stores a subscription
func (state *State) PutSubscription(subscription Subscription) error {
	return state.put(subscriptionsBucket, compositeKey(subscription.OwnerKey, subscription.CatchElementID), subscription)
}

// Subscriptions returns the subscriptions owned by the instance in
// catch element id order
func (state *State) Subscriptions(ownerKey int64) ([]Subscription, error) {
	var subscriptions []Subscription

	err := state.forEachWithPrefix(subscriptionsBucket, int64Bytes(ownerKey), func(key []byte, value []byte) error {
		var subscription Subscription

		if err := decode(subscriptionsBucket, key, value, &subscription); err != nil {
			return err
		}

		subscriptions = append(subscriptions, subscription)

		return nil
	})

	return subscriptions, err
}

// DeleteSubscriptions removes every subscription of the instance
func (state *State) DeleteSubscriptions(ownerKey int64) error {
	var keys [][]byte

	state.forEachWithPrefix(subscriptionsBucket, int64Bytes(ownerKey), func(key []byte, value []byte) error {
		keys = append(keys, append([]byte(nil), key...))

		return nil
	})

	for _, key := range keys {
		if err := state.delete(subscriptionsBucket, key); err != nil {
			return err
		}
	}

	return nil
}

// PutTrigger stores the pending interrupting catch of an instance
func (state *State) PutTrigger(trigger EventTrigger) error {
	return state.put(triggersBucket, int64Bytes(trigger.OwnerKey), trigger)
}

// Trigger returns the pending interrupting catch of an instance
func (state *State) Trigger(ownerKey int64) (*EventTrigger, error) {
	var trigger EventTrigger
	ok, err := state.get(triggersBucket, int64Bytes(ownerKey), &trigger)

	if err != nil || !ok {
		return nil, err
	}

	return &trigger, nil
}

// DeleteTrigger removes the pending catch of an instance
func (state *State) DeleteTrigger(ownerKey int64) error {
	return state.delete(triggersBucket, int64Bytes(ownerKey))
}
