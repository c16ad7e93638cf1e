package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/logger"
)

type userModel struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	Username string `gorm:"size:191;uniqueIndex;not null"`
	Verifier string `gorm:"size:255;not null"`
}

func (userModel) TableName() string { return "users" }

type groupModel struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"size:255;not null"`
}

func (groupModel) TableName() string { return "groups" }

type membershipModel struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	UserID  uint64 `gorm:"uniqueIndex:idx_membership_user_group;not null"`
	GroupID uint64 `gorm:"uniqueIndex:idx_membership_user_group;index;not null"`
}

func (membershipModel) TableName() string { return "memberships" }

// SQLStore keeps records in MySQL through gorm.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(dsn string, debug bool) (*SQLStore, error) {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	return newSQLStore(db)
}

func newSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&userModel{}, &groupModel{}, &membershipModel{}); err != nil {
		return nil, fmt.Errorf("error occured while migrating database: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func parseID(id string) (uint64, error) {
	if id == "" {
		return 0, ErrEmptyID
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id %q: %w", id, ErrNotFound)
	}
	return n, nil
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func translateSQLError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	default:
		return fmt.Errorf("database operation failed on %s: %w", what, err)
	}
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	var m userModel
	if err := s.db.WithContext(ctx).First(&m, n).Error; err != nil {
		return nil, translateSQLError(err, "user "+id)
	}
	return &User{ID: formatID(m.ID), Username: m.Username, Verifier: m.Verifier}, nil
}

func (s *SQLStore) GetUserByName(ctx context.Context, username string) (*User, error) {
	var m userModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&m).Error; err != nil {
		return nil, translateSQLError(err, "user "+username)
	}
	return &User{ID: formatID(m.ID), Username: m.Username, Verifier: m.Verifier}, nil
}

func (s *SQLStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	var m groupModel
	if err := s.db.WithContext(ctx).First(&m, n).Error; err != nil {
		return nil, translateSQLError(err, "group "+id)
	}
	return &Group{ID: formatID(m.ID), Name: m.Name}, nil
}

func (s *SQLStore) GetGroupsFromUser(ctx context.Context, userID string) ([]string, error) {
	n, err := parseID(userID)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	err = s.db.WithContext(ctx).Model(&membershipModel{}).
		Where("user_id = ?", n).Order("group_id").Pluck("group_id", &ids).Error
	if err != nil {
		return nil, translateSQLError(err, "memberships")
	}
	return formatIDs(ids), nil
}

func (s *SQLStore) GetUsersFromGroup(ctx context.Context, groupID string) ([]string, error) {
	n, err := parseID(groupID)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	err = s.db.WithContext(ctx).Model(&membershipModel{}).
		Where("group_id = ?", n).Order("user_id").Pluck("user_id", &ids).Error
	if err != nil {
		return nil, translateSQLError(err, "memberships")
	}
	return formatIDs(ids), nil
}

func formatIDs(ids []uint64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, formatID(id))
	}
	return out
}

func (s *SQLStore) AddUser(ctx context.Context, username, verifier string) (string, error) {
	var id string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&userModel{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return gorm.ErrDuplicatedKey
		}
		m := userModel{Username: username, Verifier: verifier}
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		id = formatID(m.ID)
		return nil
	})
	if err != nil {
		return "", translateSQLError(err, "user "+username)
	}
	logger.InfoF("User created: id=%s, username=%s", id, username)
	return id, nil
}

func (s *SQLStore) AddGroup(ctx context.Context, name string) (string, error) {
	m := groupModel{Name: name}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return "", translateSQLError(err, "group "+name)
	}
	logger.InfoF("Group created: id=%d, name=%s", m.ID, name)
	return formatID(m.ID), nil
}

func (s *SQLStore) AddUserToGroup(ctx context.Context, userID, groupID string) (string, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return "", err
	}
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return "", err
	}
	uid, _ := parseID(userID)
	gid, _ := parseID(groupID)

	var count int64
	err := s.db.WithContext(ctx).Model(&membershipModel{}).
		Where("user_id = ? AND group_id = ?", uid, gid).Count(&count).Error
	if err != nil {
		return "", translateSQLError(err, "membership")
	}
	if count > 0 {
		return "", fmt.Errorf("membership %s/%s: %w", userID, groupID, ErrAlreadyExists)
	}
	m := membershipModel{UserID: uid, GroupID: gid}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return "", translateSQLError(err, "membership "+userID+"/"+groupID)
	}
	return formatID(m.ID), nil
}

func (s *SQLStore) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	uid, err := parseID(userID)
	if err != nil {
		return err
	}
	gid, err := parseID(groupID)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Where("user_id = ? AND group_id = ?", uid, gid).Delete(&membershipModel{}).Error
	return translateSQLError(err, "membership "+userID+"/"+groupID)
}

func (s *SQLStore) EnsureDefaultGroup(ctx context.Context) error {
	m := groupModel{ID: 1, Name: DefaultGroupName}
	err := s.db.WithContext(ctx).Where(groupModel{ID: 1}).FirstOrCreate(&m).Error
	return translateSQLError(err, "default group")
}

func (s *SQLStore) Close(_ context.Context) error {
	logger.InfoF("Closing database connection")
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
