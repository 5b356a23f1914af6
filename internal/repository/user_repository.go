package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedpipe/internal/model"
)

type UserRepository interface {
	Create(ctx context.Context, u *model.User) error
	// ResolveUsernames username(小写) -> user id，未知用户直接忽略
	ResolveUsernames(ctx context.Context, usernames []string) (map[string]string, error)
}

type userRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &userRepository{db: db} }

func (r *userRepository) Create(ctx context.Context, u *model.User) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(u).Error
}

func (r *userRepository) ResolveUsernames(ctx context.Context, usernames []string) (map[string]string, error) {
	res := make(map[string]string, len(usernames))
	if len(usernames) == 0 {
		return res, nil
	}
	var users []model.User
	if err := r.db.WithContext(ctx).Where("LOWER(username) IN ?", usernames).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		res[strings.ToLower(u.Username)] = u.ID
	}
	return res, nil
}
