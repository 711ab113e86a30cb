package models

import "time"

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

type User struct {
	ID        string    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Username  string    `gorm:"column:username;type:text;uniqueIndex" json:"username"`
	Password  string    `gorm:"column:password;type:text" json:"-"` // bcrypt hash
	Role      string    `gorm:"column:role;type:text" json:"role"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz" json:"created_at"`
}

func (User) TableName() string { return "users" }
