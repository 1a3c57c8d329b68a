package social

// Following is a directed follow edge from FollowerID to FolloweeID.
type Following struct {
	FollowerID string `gorm:"column:follower_id;primaryKey;size:32;not null"`
	FolloweeID string `gorm:"column:followee_id;primaryKey;size:32;not null;index:idx_following_followee_id"`
}

// TableName provides the explicit table binding for GORM.
func (Following) TableName() string {
	return "following"
}
