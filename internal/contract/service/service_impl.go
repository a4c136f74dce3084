package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propertypay/internal/clock"
	"github.com/smallbiznis/propertypay/internal/contract/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("contract.service"),
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Contract, error) {
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) UpdateStatus(ctx context.Context, id snowflake.ID, status string) error {
	if !domain.ValidStatus(status) {
		return domain.ErrInvalidStatus
	}
	changed, err := s.repo.UpdateStatus(ctx, s.db, id, status, s.clock.Now())
	if err != nil {
		return err
	}
	if changed {
		s.log.Info("contract status updated",
			zap.String("contract_id", id.String()),
			zap.String("status", status),
		)
	}
	return nil
}
