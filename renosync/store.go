package renosync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/reno_backend/models"
	"gorm.io/gorm"
)

// EntityStore is the engine's view of the primary store. Every method is a
// per-record atomic unit; the engine never takes cross-record locks.
type EntityStore interface {
	GetPropertyByExternalId(ctx context.Context, externalId string) (*models.Property, error)
	GetPropertyByID(ctx context.Context, id int) (*models.Property, error)
	InsertProperty(ctx context.Context, prop *models.Property) error
	UpdatePropertyFields(ctx context.Context, id int, values map[string]any) error
	ListPropertyExternalIds(ctx context.Context) ([]string, error)
	ListPropertiesWithProjectRefs(ctx context.Context) ([]models.Property, error)
	SetPropertyProject(ctx context.Context, propertyId int, projectId int) error
	SetPropertyBudgetIndex(ctx context.Context, propertyId int, raw []byte) error

	GetProjectByExternalId(ctx context.Context, externalId string) (*models.Project, error)
	InsertProject(ctx context.Context, proj *models.Project) error
	UpdateProjectFields(ctx context.Context, id int, values map[string]any) error
	ListProjectExternalIds(ctx context.Context) ([]string, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) EntityStore {
	return &gormStore{db: db}
}

func (s *gormStore) GetPropertyByExternalId(ctx context.Context, externalId string) (*models.Property, error) {
	var prop models.Property
	err := s.db.WithContext(ctx).Where("external_id = ?", externalId).Take(&prop).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &prop, nil
}

func (s *gormStore) GetPropertyByID(ctx context.Context, id int) (*models.Property, error) {
	var prop models.Property
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&prop).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &prop, nil
}

func (s *gormStore) InsertProperty(ctx context.Context, prop *models.Property) error {
	return s.db.WithContext(ctx).Create(prop).Error
}

func (s *gormStore) UpdatePropertyFields(ctx context.Context, id int, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Property{}).
		Where("id = ?", id).
		Updates(values).Error
}

func (s *gormStore) ListPropertyExternalIds(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.Property{}).
		Pluck("external_id", &ids).Error
	return ids, err
}

func (s *gormStore) ListPropertiesWithProjectRefs(ctx context.Context) ([]models.Property, error) {
	var props []models.Property
	err := s.db.WithContext(ctx).
		Where("project_refs_json IS NOT NULL").
		Find(&props).Error
	return props, err
}

func (s *gormStore) SetPropertyProject(ctx context.Context, propertyId int, projectId int) error {
	return s.db.WithContext(ctx).
		Model(&models.Property{}).
		Where("id = ?", propertyId).
		Update("project_id", projectId).Error
}

func (s *gormStore) SetPropertyBudgetIndex(ctx context.Context, propertyId int, raw []byte) error {
	return s.db.WithContext(ctx).
		Model(&models.Property{}).
		Where("id = ?", propertyId).
		Update("budget_index_json", raw).Error
}

func (s *gormStore) GetProjectByExternalId(ctx context.Context, externalId string) (*models.Project, error) {
	var proj models.Project
	err := s.db.WithContext(ctx).Where("external_id = ?", externalId).Take(&proj).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &proj, nil
}

func (s *gormStore) InsertProject(ctx context.Context, proj *models.Project) error {
	return s.db.WithContext(ctx).Create(proj).Error
}

func (s *gormStore) UpdateProjectFields(ctx context.Context, id int, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("id = ?", id).
		Updates(values).Error
}

func (s *gormStore) ListProjectExternalIds(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.Project{}).
		Pluck("external_id", &ids).Error
	return ids, err
}
