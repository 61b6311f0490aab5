package store

import "context"

// MessageGroup is a compression digest: a generated summary that stands
// in for a run of older messages. Members keep their GroupID until the
// group is cancelled; a cancelled group's members never re-enter another
// group.
type MessageGroup struct {
	ID        int32
	UID       string
	SessionID int32
	Summary   string
	// Snapshot is a JSON copy of the member messages at compression time.
	Snapshot      string
	LastMessageID int32
	Expanded      bool
	CancelledTs   *int64
	CreatedTs     int64
}

// FindMessageGroup filters for ListMessageGroups.
type FindMessageGroup struct {
	ID        *int32
	SessionID *int32
	// Active restricts the result to groups that have not been cancelled.
	Active bool
}

// CreateMessageGroup is the payload for CreateMessageGroup. The group row
// insert and the member GroupID stamps happen in one transaction.
type CreateMessageGroup struct {
	UID           string
	SessionID     int32
	Summary       string
	Snapshot      string
	LastMessageID int32
	MemberIDs     []int32
}

// CreateMessageGroup creates a digest group and assigns its members.
func (s *Store) CreateMessageGroup(ctx context.Context, create *CreateMessageGroup) (*MessageGroup, error) {
	return s.driver.CreateMessageGroup(ctx, create)
}

// ListMessageGroups lists groups matching the given filter.
func (s *Store) ListMessageGroups(ctx context.Context, find *FindMessageGroup) ([]*MessageGroup, error) {
	return s.driver.ListMessageGroups(ctx, find)
}

// GetMessageGroup returns the first group matching the filter.
func (s *Store) GetMessageGroup(ctx context.Context, find *FindMessageGroup) (*MessageGroup, error) {
	list, err := s.driver.ListMessageGroups(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpdateGroupExpanded toggles the presentation flag only; membership is
// untouched.
func (s *Store) UpdateGroupExpanded(ctx context.Context, groupID int32, expanded bool) error {
	return s.driver.UpdateGroupExpanded(ctx, groupID, expanded)
}

// CancelMessageGroup clears all members' GroupID, stamps the group
// cancelled, and reports how many messages were released. Cancelling an
// already-cancelled group releases zero messages.
func (s *Store) CancelMessageGroup(ctx context.Context, groupID int32, now int64) (int64, error) {
	return s.driver.CancelMessageGroup(ctx, groupID, now)
}
