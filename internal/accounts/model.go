package accounts

// User is a local account. The id carries the full @localpart:server form.
type User struct {
	ID               string `gorm:"column:id;primaryKey"`
	PasswordHash     string `gorm:"column:password_hash"`
	CreatedAtSeconds int64  `gorm:"column:created_at"`
}

// TableName maps the model onto the users table.
func (User) TableName() string { return "users" }

// Profile holds the mutable display attributes attached to an account.
type Profile struct {
	UserID      string  `gorm:"column:id;primaryKey"`
	AvatarURL   *string `gorm:"column:avatar_url"`
	DisplayName *string `gorm:"column:displayname"`
}

// TableName maps the model onto the profiles table.
func (Profile) TableName() string { return "profiles" }
