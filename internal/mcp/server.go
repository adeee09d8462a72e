package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"scriptcron/internal/core"
	"scriptcron/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const serverVersion = "1.0.0"

// MCPServer exposes task management as MCP tools.
type MCPServer struct {
	service *service.Service
	logger  *slog.Logger
	srv     *server.MCPServer
}

// NewMCPServer creates the server and registers its tools.
func NewMCPServer(svc *service.Service, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		service: svc,
		logger:  logger,
		srv: server.NewMCPServer(
			"scriptcron",
			serverVersion,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// Run serves the protocol over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.srv)
}

// HTTPHandler serves the protocol over streamable HTTP.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.srv)
}

func (s *MCPServer) registerTools() {
	taskID := mcp.WithString("task_id",
		mcp.Required(),
		mcp.Description("任务 ID"),
	)

	s.srv.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("创建一个定时执行脚本的任务。支持 cron（5 或 6 字段）、interval（秒）和 date（一次性）三种触发方式"),
		mcp.WithString("id", mcp.Description("任务 ID（可选，默认自动生成）")),
		mcp.WithString("name", mcp.Required(), mcp.Description("任务名称")),
		mcp.WithString("script_path", mcp.Required(), mcp.Description("脚本路径，相对路径基于脚本目录解析")),
		mcp.WithString("trigger_type",
			mcp.Required(),
			mcp.Description("触发类型"),
			mcp.Enum("cron", "interval", "date"),
		),
		mcp.WithString("cron_expression", mcp.Description("Cron 表达式，例如: '0 9 * * 1-5' 表示工作日早上 9 点")),
		mcp.WithNumber("interval_seconds", mcp.Description("执行间隔（秒）"), mcp.Min(1)),
		mcp.WithString("scheduled_time", mcp.Description("一次性执行时间，例如 2025-01-01T09:00:00")),
		mcp.WithArray("arguments", mcp.Description("脚本参数"), mcp.WithStringItems()),
		mcp.WithString("working_directory", mcp.Description("工作目录（可选）")),
		mcp.WithNumber("timeout_seconds", mcp.Description("超时时间（秒），默认 300"), mcp.Min(1), mcp.Max(core.MaxTimeoutSeconds)),
		mcp.WithString("description", mcp.Description("任务描述")),
		mcp.WithBoolean("enabled", mcp.Description("是否启用，默认 true")),
	), s.handleCreateTask)

	s.srv.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("列出所有任务"),
		mcp.WithString("keyword", mcp.Description("按名称或描述过滤")),
		mcp.WithString("status",
			mcp.Description("过滤状态: enabled 或 paused"),
			mcp.Enum("enabled", "paused"),
		),
	), s.handleListTasks)

	s.srv.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("获取任务详情"),
		taskID,
	), s.handleGetTask)

	s.srv.AddTool(mcp.NewTool("task_update",
		mcp.WithDescription("更新任务配置，未提供的字段保持不变"),
		taskID,
		mcp.WithString("name", mcp.Description("新的名称")),
		mcp.WithString("script_path", mcp.Description("新的脚本路径")),
		mcp.WithString("trigger_type", mcp.Description("新的触发类型"), mcp.Enum("cron", "interval", "date")),
		mcp.WithString("cron_expression", mcp.Description("新的 cron 表达式")),
		mcp.WithNumber("interval_seconds", mcp.Description("新的执行间隔（秒）"), mcp.Min(1)),
		mcp.WithString("scheduled_time", mcp.Description("新的一次性执行时间")),
		mcp.WithArray("arguments", mcp.Description("新的脚本参数"), mcp.WithStringItems()),
		mcp.WithNumber("timeout_seconds", mcp.Description("新的超时时间（秒）"), mcp.Min(1), mcp.Max(core.MaxTimeoutSeconds)),
		mcp.WithString("description", mcp.Description("新的描述")),
		mcp.WithBoolean("enabled", mcp.Description("是否启用")),
	), s.handleUpdateTask)

	s.srv.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("删除任务（保留执行历史）"),
		taskID,
	), s.handleDeleteTask)

	s.srv.AddTool(mcp.NewTool("task_pause",
		mcp.WithDescription("暂停任务"),
		taskID,
	), s.handlePauseTask)

	s.srv.AddTool(mcp.NewTool("task_resume",
		mcp.WithDescription("恢复任务"),
		taskID,
	), s.handleResumeTask)

	s.srv.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("立即执行指定任务"),
		taskID,
	), s.handleRunTask)

	s.srv.AddTool(mcp.NewTool("task_cancel",
		mcp.WithDescription("取消正在执行的任务"),
		taskID,
	), s.handleCancelTask)

	s.srv.AddTool(mcp.NewTool("execution_list",
		mcp.WithDescription("查看任务的执行历史"),
		taskID,
		mcp.WithNumber("limit",
			mcp.Description("返回的记录数量，默认 20"),
			mcp.Min(1),
			mcp.Max(service.MaxExecutionLimit),
		),
		mcp.WithString("status",
			mcp.Description("按状态过滤"),
			mcp.Enum("running", "success", "failed", "timeout", "cancelled"),
		),
	), s.handleListExecutions)

	s.srv.AddTool(mcp.NewTool("task_log",
		mcp.WithDescription("获取任务脚本的执行日志"),
		taskID,
		mcp.WithNumber("tail",
			mcp.Description("返回最后 N 行日志，默认全部"),
			mcp.Min(0),
		),
	), s.handleTaskLog)

	s.srv.AddTool(mcp.NewTool("trigger_preview",
		mcp.WithDescription("预览触发器的未来触发时间"),
		mcp.WithString("trigger_type",
			mcp.Required(),
			mcp.Description("触发类型"),
			mcp.Enum("cron", "interval", "date"),
		),
		mcp.WithString("cron_expression", mcp.Description("Cron 表达式")),
		mcp.WithNumber("interval_seconds", mcp.Description("执行间隔（秒）"), mcp.Min(1)),
		mcp.WithString("scheduled_time", mcp.Description("一次性执行时间")),
		mcp.WithNumber("count",
			mcp.Description("返回的触发次数，默认 5"),
			mcp.Min(1),
			mcp.Max(service.MaxPreviewCount),
		),
	), s.handleTriggerPreview)

	s.srv.AddTool(mcp.NewTool("script_list",
		mcp.WithDescription("列出脚本目录中可执行的脚本"),
	), s.handleListScripts)

	s.srv.AddTool(mcp.NewTool("scheduler_jobs",
		mcp.WithDescription("列出调度器中已排期的任务及下次执行时间"),
	), s.handleListJobs)

	s.logger.Debug("MCP tools registered", "count", 14)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := service.CreateTaskInput{
		ID:           mcp.ParseString(request, "id", ""),
		Name:         mcp.ParseString(request, "name", ""),
		ScriptPath:   mcp.ParseString(request, "script_path", ""),
		TriggerInput: triggerInput(request),
		Arguments:    parseStrings(request, "arguments"),
		Description:  mcp.ParseString(request, "description", ""),
	}
	if wd := mcp.ParseString(request, "working_directory", ""); wd != "" {
		in.WorkingDirectory = &wd
	}
	if has(request, "timeout_seconds") {
		timeout := int(mcp.ParseFloat64(request, "timeout_seconds", 0))
		in.TimeoutSeconds = &timeout
	}
	if has(request, "enabled") {
		enabled := mcp.ParseBoolean(request, "enabled", true)
		in.Enabled = &enabled
	}

	task, err := s.service.CreateTask(ctx, in)
	if err != nil {
		return s.toolError("创建任务失败", err), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("任务已创建\nID: %s\n触发: %s\n下次执行: %s",
		task.ID,
		describeTrigger(task),
		s.nextRun(task.ID),
	)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := core.TaskFilter{Keyword: strings.TrimSpace(mcp.ParseString(request, "keyword", ""))}
	switch mcp.ParseString(request, "status", "") {
	case "enabled":
		enabled := true
		filter.Enabled = &enabled
	case "paused":
		enabled := false
		filter.Enabled = &enabled
	}

	tasks, err := s.service.ListTasks(ctx, filter)
	if err != nil {
		return s.toolError("获取任务列表失败", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("没有找到任务"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "找到 %d 个任务:\n\n", len(tasks))
	for _, t := range tasks {
		icon := "▶️"
		if !t.Enabled {
			icon = "⏸️"
		}
		fmt.Fprintf(&b, "%s %s\n", icon, t.ID)
		fmt.Fprintf(&b, "  名称: %s\n", t.Name)
		fmt.Fprintf(&b, "  脚本: %s\n", t.ScriptPath)
		fmt.Fprintf(&b, "  触发: %s\n", describeTrigger(t))
		fmt.Fprintf(&b, "  下次执行: %s\n\n", s.nextRun(t.ID))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.service.GetTask(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return s.toolError("获取任务失败", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "任务 ID: %s\n", task.ID)
	fmt.Fprintf(&b, "名称: %s\n", task.Name)
	fmt.Fprintf(&b, "启用: %t\n", task.Enabled)
	fmt.Fprintf(&b, "脚本: %s\n", task.ScriptPath)
	if len(task.Arguments) > 0 {
		fmt.Fprintf(&b, "参数: %s\n", strings.Join(task.Arguments, " "))
	}
	if task.WorkingDirectory != nil {
		fmt.Fprintf(&b, "工作目录: %s\n", *task.WorkingDirectory)
	}
	fmt.Fprintf(&b, "触发: %s\n", describeTrigger(task))
	fmt.Fprintf(&b, "超时: %d 秒\n", task.TimeoutSeconds)
	fmt.Fprintf(&b, "执行次数: %d（成功 %d，失败 %d）\n", task.RunCount, task.SuccessCount, task.FailedCount)
	fmt.Fprintf(&b, "运行中: %t\n", s.service.IsTaskRunning(task.ID))
	fmt.Fprintf(&b, "下次执行: %s\n", s.nextRun(task.ID))
	if task.Description != "" {
		fmt.Fprintf(&b, "描述: %s\n", task.Description)
	}
	fmt.Fprintf(&b, "创建时间: %s\n", s.formatTime(task.CreatedAt))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")

	var in service.UpdateTaskInput
	in.Name = optionalString(request, "name")
	in.ScriptPath = optionalString(request, "script_path")
	if tt := optionalString(request, "trigger_type"); tt != nil {
		trigger := core.TriggerType(*tt)
		in.TriggerType = &trigger
	}
	in.CronExpression = optionalString(request, "cron_expression")
	in.ScheduledTime = optionalString(request, "scheduled_time")
	in.Description = optionalString(request, "description")
	if has(request, "interval_seconds") {
		v := int(mcp.ParseFloat64(request, "interval_seconds", 0))
		in.IntervalSeconds = &v
	}
	if has(request, "timeout_seconds") {
		v := int(mcp.ParseFloat64(request, "timeout_seconds", 0))
		in.TimeoutSeconds = &v
	}
	if has(request, "arguments") {
		in.Arguments = parseStrings(request, "arguments")
		if in.Arguments == nil {
			in.Arguments = []string{}
		}
	}
	if has(request, "enabled") {
		enabled := mcp.ParseBoolean(request, "enabled", true)
		in.Enabled = &enabled
	}

	task, err := s.service.UpdateTask(ctx, id, in)
	if err != nil {
		return s.toolError("更新任务失败", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("任务已更新: %s\n启用: %t\n下次执行: %s", task.ID, task.Enabled, s.nextRun(task.ID))), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	if err := s.service.DeleteTask(ctx, id); err != nil {
		return s.toolError("删除任务失败", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("任务已删除: %s", id)), nil
}

func (s *MCPServer) handlePauseTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	if err := s.service.PauseTask(ctx, id); err != nil {
		return s.toolError("暂停任务失败", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("任务已暂停: %s", id)), nil
}

func (s *MCPServer) handleResumeTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	if err := s.service.ResumeTask(ctx, id); err != nil {
		return s.toolError("恢复任务失败", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("任务已恢复: %s\n下次执行: %s", id, s.nextRun(id))), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	if err := s.service.ExecuteNow(ctx, id); err != nil {
		return s.toolError("执行任务失败", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("任务已开始执行\n任务 ID: %s", id)), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	cancelled, err := s.service.CancelTask(ctx, id)
	if err != nil {
		return s.toolError("取消任务失败", err), nil
	}
	if !cancelled {
		return mcp.NewToolResultText(fmt.Sprintf("任务未在运行: %s", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("任务已取消: %s", id)), nil
}

func (s *MCPServer) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	status := core.ExecutionStatus(mcp.ParseString(request, "status", ""))

	executions, err := s.service.ListExecutions(ctx, id, limit, status)
	if err != nil {
		return s.toolError("获取执行历史失败", err), nil
	}
	if len(executions) == 0 {
		return mcp.NewToolResultText("该任务暂无执行记录"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "找到 %d 条执行记录:\n\n", len(executions))
	for _, e := range executions {
		fmt.Fprintf(&b, "[%s] 执行 ID: %s\n", statusToIcon(e.Status), e.ID)
		fmt.Fprintf(&b, "    状态: %s\n", e.Status)
		fmt.Fprintf(&b, "    开始: %s\n", s.formatTime(e.StartTime))
		if e.EndTime != nil {
			fmt.Fprintf(&b, "    结束: %s\n", s.formatTime(*e.EndTime))
		}
		if e.DurationSeconds != nil {
			fmt.Fprintf(&b, "    耗时: %.2f 秒\n", *e.DurationSeconds)
		}
		if e.ExitCode != nil {
			fmt.Fprintf(&b, "    退出码: %d\n", *e.ExitCode)
		}
		if e.Error != "" {
			fmt.Fprintf(&b, "    错误: %s\n", truncateString(e.Error, 200))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleTaskLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	logPath, err := s.service.ScriptLogPath(ctx, id)
	if err != nil {
		return s.toolError("读取日志失败", err), nil
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return mcp.NewToolResultText("暂无日志"), nil
		}
		return s.toolError("读取日志失败", err), nil
	}

	content := string(data)
	if tail := int(mcp.ParseFloat64(request, "tail", 0)); tail > 0 {
		lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
		if len(lines) > tail {
			lines = lines[len(lines)-tail:]
		}
		content = strings.Join(lines, "\n") + "\n"
	}
	return mcp.NewToolResultText(content), nil
}

func (s *MCPServer) handleTriggerPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := triggerInput(request)
	count := int(mcp.ParseFloat64(request, "count", 5))

	times, err := s.service.PreviewTrigger(in, count)
	if err != nil {
		return s.toolError("无效的触发器", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "触发类型: %s\n", in.TriggerType)
	fmt.Fprintf(&b, "时区: %s\n\n", s.service.Location())
	b.WriteString("未来触发时间:\n")
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, s.formatTime(t))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListScripts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scripts, err := s.service.ListScripts()
	if err != nil {
		return s.toolError("获取脚本列表失败", err), nil
	}
	if len(scripts) == 0 {
		return mcp.NewToolResultText("脚本目录为空"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "找到 %d 个脚本:\n\n", len(scripts))
	for _, sc := range scripts {
		fmt.Fprintf(&b, "%s (%d 字节)\n", sc.Name, sc.Size)
		if sc.Description != "" {
			fmt.Fprintf(&b, "  %s\n", sc.Description)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs := s.service.ListJobs()
	if len(jobs) == 0 {
		return mcp.NewToolResultText("没有已排期的任务"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "已排期 %d 个任务:\n\n", len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s  %s (%s)  下次执行: %s\n", j.ID, j.Name, j.TriggerType, s.formatTime(j.NextRunTime))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// toolError reports domain errors to the caller and logs anything unexpected.
func (s *MCPServer) toolError(action string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return mcp.NewToolResultError("任务不存在")
	case errors.Is(err, core.ErrTaskRunning):
		return mcp.NewToolResultError("任务正在运行")
	case errors.Is(err, core.ErrSchedulerStopped):
		return mcp.NewToolResultError("调度器未运行")
	case errors.Is(err, core.ErrInvalidTrigger),
		errors.Is(err, core.ErrValidation),
		errors.Is(err, core.ErrTaskExists),
		errors.Is(err, core.ErrScriptNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", action, err))
	default:
		s.logger.Error(action, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", action, err))
	}
}

func (s *MCPServer) nextRun(id string) string {
	next, ok := s.service.ArmedNextRun(id)
	if !ok {
		return "-"
	}
	return s.formatTime(next)
}

func (s *MCPServer) formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(s.service.Location()).Format("2006-01-02 15:04:05")
}

func triggerInput(request mcp.CallToolRequest) service.TriggerInput {
	in := service.TriggerInput{
		TriggerType:    core.TriggerType(mcp.ParseString(request, "trigger_type", "")),
		CronExpression: optionalString(request, "cron_expression"),
		ScheduledTime:  optionalString(request, "scheduled_time"),
	}
	if has(request, "interval_seconds") {
		v := int(mcp.ParseFloat64(request, "interval_seconds", 0))
		in.IntervalSeconds = &v
	}
	return in
}

func describeTrigger(t *core.Task) string {
	switch t.TriggerType {
	case core.TriggerCron:
		if t.CronExpression != nil {
			return "cron " + *t.CronExpression
		}
	case core.TriggerInterval:
		if t.IntervalSeconds != nil {
			return fmt.Sprintf("每 %d 秒", *t.IntervalSeconds)
		}
	case core.TriggerDate:
		if t.ScheduledTime != nil {
			return "一次性 " + t.ScheduledTime.Format(time.RFC3339)
		}
	}
	return string(t.TriggerType)
}

func has(request mcp.CallToolRequest, key string) bool {
	_, ok := request.GetArguments()[key]
	return ok
}

func optionalString(request mcp.CallToolRequest, key string) *string {
	if !has(request, key) {
		return nil
	}
	v := mcp.ParseString(request, key, "")
	return &v
}

func parseStrings(request mcp.CallToolRequest, key string) []string {
	raw, ok := mcp.ParseArgument(request, key, nil).([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func statusToIcon(status core.ExecutionStatus) string {
	switch status {
	case core.ExecutionSuccess:
		return "✅"
	case core.ExecutionFailed:
		return "❌"
	case core.ExecutionTimeout:
		return "⏱️"
	case core.ExecutionCancelled:
		return "🚫"
	case core.ExecutionRunning:
		return "▶️"
	default:
		return "❓"
	}
}
