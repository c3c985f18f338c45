package service

import (
	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/internal/model"
	"github.com/wanfaliang/benchmarking/internal/pkg/email"
	"github.com/wanfaliang/benchmarking/internal/pkg/ws"
	"github.com/wanfaliang/benchmarking/internal/repository"
)

// UserPusher 按用户推送事件，*ws.Hub 满足该接口
type UserPusher interface {
	IsOnline(userID int64) bool
	SendToUser(userID int64, event *ws.Event) error
}

// ReportNotifier 报告生成结束后通知分析所有者
//
// 所有者在线时向其全部连接推送 report_ready，邮件启用时另发一封邮件。
type ReportNotifier struct {
	userRepo    *repository.UserRepository
	sectionRepo *repository.SectionRepository
	mailer      *email.Service
	pusher      UserPusher
	logger      *zap.Logger
}

func NewReportNotifier(userRepo *repository.UserRepository, sectionRepo *repository.SectionRepository, mailer *email.Service, pusher UserPusher, logger *zap.Logger) *ReportNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportNotifier{
		userRepo:    userRepo,
		sectionRepo: sectionRepo,
		mailer:      mailer,
		pusher:      pusher,
		logger:      logger,
	}
}

// Finished 作为 worker.FinishHook 使用，只处理 B 阶段的终态
func (n *ReportNotifier) Finished(analysis *model.Analysis) {
	if analysis.Status != model.StatusComplete && analysis.Status != model.StatusPartialComplete {
		return
	}
	online := n.pusher != nil && n.pusher.IsOnline(analysis.UserID)
	if !online && !n.mailer.Enabled() {
		return
	}

	counts, err := n.sectionRepo.CountByStatus(analysis.ID)
	if err != nil {
		n.logger.Warn("report notify: count sections failed",
			zap.String("analysis_id", analysis.ID),
			zap.Error(err))
		return
	}
	completed := counts[model.SectionComplete]

	if online {
		event := ws.NewEvent(ws.EventReportReady, analysis.ID)
		event.UserID = analysis.UserID
		event.Status = analysis.Status
		event.Phase = analysis.Phase
		event.Message = analysis.Name
		event.Metadata = map[string]interface{}{
			"completed": completed,
			"total":     model.SectionCount,
		}
		if err := n.pusher.SendToUser(analysis.UserID, event); err != nil {
			n.logger.Warn("report notify: push failed",
				zap.String("analysis_id", analysis.ID),
				zap.Error(err))
		}
	}

	if !n.mailer.Enabled() {
		return
	}

	user, err := n.userRepo.GetByID(analysis.UserID)
	if err != nil {
		n.logger.Warn("report notify: load user failed",
			zap.String("analysis_id", analysis.ID),
			zap.Error(err))
		return
	}

	err = n.mailer.SendReportReady(user.Email, email.ReportReady{
		Username:   user.Username,
		AnalysisID: analysis.ID,
		Name:       analysis.Name,
		Status:     analysis.Status,
		Completed:  completed,
		Total:      model.SectionCount,
	})
	if err != nil {
		n.logger.Warn("report notify: send failed",
			zap.String("analysis_id", analysis.ID),
			zap.Error(err))
	}
}
