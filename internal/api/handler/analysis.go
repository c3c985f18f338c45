package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/internal/api/middleware"
	"github.com/wanfaliang/benchmarking/internal/model/dto"
	"github.com/wanfaliang/benchmarking/internal/pkg/response"
	"github.com/wanfaliang/benchmarking/internal/service"
	"github.com/wanfaliang/benchmarking/internal/worker"
)

type AnalysisHandler struct {
	analysisService *service.AnalysisService
	logger          *zap.Logger
}

func NewAnalysisHandler(analysisService *service.AnalysisService, logger *zap.Logger) *AnalysisHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisHandler{
		analysisService: analysisService,
		logger:          logger,
	}
}

// Create 创建分析
// @Summary 创建分析
// @Description 创建一个 created 状态的分析，并准备产物目录
// @Tags 分析
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body dto.CreateAnalysisRequest true "分析配置"
// @Success 200 {object} response.Response{data=dto.AnalysisDetail} "创建成功"
// @Failure 400 {object} response.Response "请求参数错误"
// @Failure 401 {object} response.Response "未授权"
// @Router /api/v1/analyses [post]
func (h *AnalysisHandler) Create(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.CreateAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	detail, err := h.analysisService.Create(userID, &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.SuccessWithMessage(c, "创建成功", detail)
}

// List 获取分析列表
// @Summary 分析列表
// @Tags 分析
// @Produce json
// @Security BearerAuth
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Param status query string false "按状态过滤"
// @Success 200 {object} response.Response{data=response.PageData{items=[]dto.AnalysisDetail}}
// @Failure 401 {object} response.Response "未授权"
// @Router /api/v1/analyses [get]
func (h *AnalysisHandler) List(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	status := c.Query("status")

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	items, total, err := h.analysisService.List(userID, page, pageSize, status)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.SuccessPage(c, total, page, pageSize, items)
}

// Get 获取分析详情
// @Summary 分析详情
// @Tags 分析
// @Produce json
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Success 200 {object} response.Response{data=dto.AnalysisDetail}
// @Failure 404 {object} response.Response "分析不存在"
// @Router /api/v1/analyses/{id} [get]
func (h *AnalysisHandler) Get(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	detail, err := h.analysisService.Get(userID, analysisID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, detail)
}

// Status 生命周期轮询
// @Summary 分析生命周期状态
// @Description 状态、阶段、进度、产物是否存在、章节统计以及可执行的操作
// @Tags 分析
// @Produce json
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Success 200 {object} response.Response{data=dto.LifecycleStatus}
// @Failure 404 {object} response.Response "分析不存在"
// @Router /api/v1/analyses/{id}/status [get]
func (h *AnalysisHandler) Status(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	st, err := h.analysisService.Status(userID, analysisID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, st)
}

// Rename 修改名称
// @Summary 修改分析名称
// @Description 只修改名称，任何状态均可，不影响生命周期
// @Tags 分析
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Param request body dto.RenameAnalysisRequest true "新名称"
// @Success 200 {object} response.Response{data=dto.AnalysisDetail}
// @Failure 404 {object} response.Response "分析不存在"
// @Router /api/v1/analyses/{id} [patch]
func (h *AnalysisHandler) Rename(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	var req dto.RenameAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	detail, err := h.analysisService.Rename(userID, analysisID, req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.SuccessWithMessage(c, "更新成功", detail)
}

// Update 全量更新并重置
// @Summary 更新分析配置
// @Description 修改名称、公司与年限，同时清空全部结果回到 created
// @Tags 分析
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Param request body dto.UpdateAnalysisRequest true "分析配置"
// @Success 200 {object} response.Response{data=dto.UpdateAnalysisResponse}
// @Failure 404 {object} response.Response "分析不存在"
// @Router /api/v1/analyses/{id} [put]
func (h *AnalysisHandler) Update(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	var req dto.UpdateAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	resp, err := h.analysisService.Update(userID, analysisID, &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.SuccessWithMessage(c, "更新成功", resp)
}

// StartCollection 开始采集
// @Summary 开始数据采集（Phase A）
// @Tags 生命周期
// @Produce json
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Success 200 {object} response.Response{data=dto.MutationResponse}
// @Failure 400 {object} response.Response "当前状态不允许"
// @Failure 404 {object} response.Response "分析不存在"
// @Router /api/v1/analyses/{id}/start-collection [post]
func (h *AnalysisHandler) StartCollection(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	resp, err := h.analysisService.StartCollection(userID, analysisID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.SuccessWithMessage(c, "已开始采集", resp)
}

// StartAnalysis 开始生成报告
// @Summary 开始报告生成（Phase B）
// @Tags 生命周期
// @Produce json
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Success 200 {object} response.Response{data=dto.MutationResponse}
// @Failure 400 {object} response.Response "当前状态不允许或采集产物缺失"
// @Failure 404 {object} response.Response "分析不存在"
// @Router /api/v1/analyses/{id}/start-analysis [post]
func (h *AnalysisHandler) StartAnalysis(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	resp, err := h.analysisService.StartAnalysis(userID, analysisID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.SuccessWithMessage(c, "已开始生成报告", resp)
}

// RestartAnalysis 丢弃报告结果
// @Summary 重新生成报告
// @Description 删除全部章节回到 collection_complete，保留采集产物，不自动开始
// @Tags 生命周期
// @Produce json
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Success 200 {object} response.Response{data=dto.MutationResponse}
// @Failure 400 {object} response.Response "采集产物缺失"
// @Failure 404 {object} response.Response "分析不存在"
// @Router /api/v1/analyses/{id}/restart-analysis [post]
func (h *AnalysisHandler) RestartAnalysis(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	resp, err := h.analysisService.RestartAnalysis(userID, analysisID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.SuccessWithMessage(c, "报告已清空", resp)
}

// Reset 重置分析
// @Summary 重置分析
// @Description 删除全部章节与产物，回到 created，保留配置
// @Tags 生命周期
// @Produce json
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Success 200 {object} response.Response{data=dto.MutationResponse}
// @Failure 404 {object} response.Response "分析不存在"
// @Router /api/v1/analyses/{id}/reset [post]
func (h *AnalysisHandler) Reset(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	resp, err := h.analysisService.Reset(userID, analysisID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.SuccessWithMessage(c, "重置成功", resp)
}

// Delete 删除分析
// @Summary 删除分析
// @Tags 分析
// @Produce json
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Success 200 {object} response.Response{data=dto.CleanupResult}
// @Failure 404 {object} response.Response "分析不存在"
// @Router /api/v1/analyses/{id} [delete]
func (h *AnalysisHandler) Delete(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	result, err := h.analysisService.Delete(userID, analysisID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.SuccessWithMessage(c, "删除成功", result)
}

// ListSections 章节列表
// @Summary 章节列表
// @Description 按编号排序；报告生成开始前为空
// @Tags 报告
// @Produce json
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Success 200 {object} response.Response{data=dto.SectionListResponse}
// @Failure 404 {object} response.Response "分析不存在"
// @Router /api/v1/analyses/{id}/sections [get]
func (h *AnalysisHandler) ListSections(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	resp, err := h.analysisService.ListSections(userID, analysisID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, resp)
}

// GetSection 章节 HTML
// @Summary 获取章节 HTML
// @Tags 报告
// @Produce html
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Param n path int true "章节编号 0-19"
// @Success 200 {string} string "章节 HTML"
// @Failure 400 {object} response.Response "章节尚未完成"
// @Failure 404 {object} response.Response "分析或章节不存在"
// @Router /api/v1/analyses/{id}/sections/{n} [get]
func (h *AnalysisHandler) GetSection(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	number, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		response.ParamError(c, "无效的章节编号")
		return
	}

	html, section, err := h.analysisService.GetSectionHTML(userID, analysisID, number)
	if errors.Is(err, service.ErrSectionNotComplete) {
		response.StateError(c, err.Error(), gin.H{"section_status": section.Status})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

// DownloadRawData 下载原始数据
// @Summary 下载 raw_data.xlsx
// @Tags 报告
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security BearerAuth
// @Param id path string true "分析ID"
// @Success 200 {file} file "raw_data.xlsx"
// @Failure 404 {object} response.Response "文件不存在"
// @Router /api/v1/analyses/{id}/download/raw-data [get]
func (h *AnalysisHandler) DownloadRawData(c *gin.Context) {
	userID, analysisID, ok := h.params(c)
	if !ok {
		return
	}

	path, err := h.analysisService.RawDataPath(userID, analysisID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.FileAttachment(path, fmt.Sprintf("raw_data_%s.xlsx", analysisID))
}

// params 取出当前用户与路径中的分析 ID，失败时已写入响应
func (h *AnalysisHandler) params(c *gin.Context) (int64, string, bool) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return 0, "", false
	}

	analysisID := c.Param("id")
	if _, err := uuid.Parse(analysisID); err != nil {
		response.ParamError(c, "无效的分析ID")
		return 0, "", false
	}
	return userID, analysisID, true
}

// fail 把服务层错误映射为响应
func (h *AnalysisHandler) fail(c *gin.Context, err error) {
	var stateErr *service.StateError
	switch {
	case errors.As(err, &stateErr):
		var phase interface{}
		if stateErr.Phase != "" {
			phase = stateErr.Phase
		}
		response.StateError(c, stateErr.Error(), gin.H{
			"current_status": stateErr.Current,
			"current_phase":  phase,
		})
	case errors.Is(err, service.ErrAnalysisNotFound),
		errors.Is(err, service.ErrSectionNotFound),
		errors.Is(err, service.ErrArtifactNotFound):
		response.NotFoundError(c, err.Error())
	case errors.Is(err, worker.ErrTaskRunning):
		response.DuplicateError(c, "分析已有任务在运行")
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("analysis_id", c.Param("id")),
			zap.Error(err))
		response.ServerError(c, "")
	}
}
