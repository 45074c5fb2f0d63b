package domain

import "sort"

// OnlineUser is one roster entry. At most one exists per UserID per topic.
type OnlineUser struct {
	UserID     int64  `json:"user_id"`
	UserName   string `json:"user_name"`
	UserImage  string `json:"user_image,omitempty"`
	LastActive int64  `json:"last_active"` // epoch millis
}

// SortRoster orders a roster by user id so that snapshots are stable.
func SortRoster(users []OnlineUser) {
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
}
