// Package friends answers whether two accounts are connected in the social graph.
package friends

import (
	"context"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:generate mockgen -source=friends.go -destination=mock_graph.go -package=friends

type Graph interface {
	AreConnected(ctx context.Context, a, b string) (bool, error)
}

// Friendship is a row of the social backend's friends table.
type Friendship struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	UserID       string `gorm:"column:user_id;not null;index:idx_user_friend,unique"`
	FriendUserID string `gorm:"column:friend_user_id;not null;index:idx_user_friend,unique"`
	Status       string `gorm:"column:status;default:'pending'"`
}

func (Friendship) TableName() string { return "friends" }

const statusAccepted = "accepted"

// GormGraph reads accepted friendships, stored in either direction.
type GormGraph struct {
	db *gorm.DB
}

func NewGormGraph(db *gorm.DB) *GormGraph {
	return &GormGraph{db: db}
}

// Open connects to the social backend's MySQL database.
func Open(dsn string) (*GormGraph, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to friends database: %w", err)
	}
	return NewGormGraph(db), nil
}

func (g *GormGraph) AreConnected(ctx context.Context, a, b string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).
		Model(&Friendship{}).
		Where("(user_id = ? AND friend_user_id = ?) OR (user_id = ? AND friend_user_id = ?)", a, b, b, a).
		Where("status = ?", statusAccepted).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check friendship: %w", err)
	}
	return count > 0, nil
}

// Close releases the underlying connection pool.
func (g *GormGraph) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// None is the graph with no edges: every pair goes through a message request.
type None struct{}

func (None) AreConnected(context.Context, string, string) (bool, error) { return false, nil }
