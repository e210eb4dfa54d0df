package model

import "time"

// 用户角色。管理员可以删除他人文档并访问安全过滤调试接口。
const (
	UserRoleUser  = "USER"
	UserRoleAdmin = "ADMIN"
)

// User 是系统用户，对应 MySQL 的 users 表。
type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Username  string    `gorm:"type:varchar(64);uniqueIndex" json:"username"`
	Password  string    `gorm:"type:varchar(128)" json:"-"`
	Role      string    `gorm:"type:varchar(16);default:USER" json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定 GORM 使用的表名。
func (User) TableName() string {
	return "users"
}

// IsAdmin 判断用户是否为管理员。
func (u *User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}
