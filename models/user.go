package models

import (
	"context"
	"time"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/utils"
	"gorm.io/gorm"
)

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Username  string    `gorm:"size:50;uniqueIndex;not null" json:"username" binding:"required"`
	Password  string    `gorm:"size:100;not null" json:"-"`
	Role      UserRole  `gorm:"type:enum('Admin','Staff');default:'Staff'" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Username string   `json:"username" binding:"required"`
	Password string   `json:"password" binding:"required"`
	Role     UserRole `json:"role"`
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {
	if len(input.Password) < 6 {
		return nil, utils.NewValidationError("password must be at least 6 characters")
	}
	role := input.Role
	if role == "" {
		role = UserRoleStaff
	}
	if !role.IsValid() {
		return nil, utils.NewValidationError("invalid role %q", role)
	}
	if err := utils.ValidateUnique[User](ctx, "username", input.Username, 0); err != nil {
		return nil, err
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	user := User{
		Username: input.Username,
		Password: string(hashed),
		Role:     role,
	}

	db := config.GetDB()
	// db action
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		if utils.IsDuplicateKeyError(err) {
			return nil, utils.NewValidationError("duplicate username")
		}
		return nil, err
	}
	return &user, nil
}

// Login verifies the credentials and returns a signed token.
func Login(ctx context.Context, username string, password string) (string, error) {
	db := config.GetDB()

	var user User
	err := db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", utils.NewValidationError("invalid username or password")
		}
		return "", err
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		return "", utils.NewValidationError("invalid username or password")
	}
	return utils.JwtGenerate(user.ID, string(user.Role))
}
