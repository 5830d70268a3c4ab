package protocol

import "encoding/json"

// Request types.
const (
	ReqListSessions = "ListSessions"
	ReqLaunch       = "Launch"
	ReqExecute      = "Execute"
	ReqInputReply   = "InputReply"
	ReqInterrupt    = "Interrupt"
	ReqRestart      = "Restart"
	ReqChangeKernel = "ChangeKernel"
	ReqKill         = "Kill"
	ReqKillAll      = "KillAll"
	ReqGetStatus    = "GetStatus"
	ReqWatchSession = "WatchSession"
	ReqListSpecs    = "ListSpecs"
	ReqHistory      = "History"
	ReqComplete     = "Complete"
)

// Response types.
const (
	RespSessionList   = "SessionList"
	RespLaunched      = "Launched"
	RespOutput        = "Output"
	RespInputRequest  = "InputRequest"
	RespExecuteResult = "ExecuteResult"
	RespInterrupted   = "Interrupted"
	RespRestarted     = "Restarted"
	RespKernelChanged = "KernelChanged"
	RespKilled        = "Killed"
	RespKilledAll     = "KilledAll"
	RespSessionStatus = "SessionStatus"
	RespEvent         = "Event"
	RespSpecList      = "SpecList"
	RespHistory       = "HistoryList"
	RespCompletions   = "Completions"
	RespError         = "Error"
)

// SessionInfo describes a kernel session hosted by the node.
type SessionInfo struct {
	ID             uint32   `json:"id"`
	KernelName     string   `json:"kernel_name"`
	DisplayName    string   `json:"display_name,omitempty"`
	Language       string   `json:"language,omitempty"`
	Implementation string   `json:"implementation,omitempty"`
	WorkingDir     string   `json:"working_dir"`
	CreatedAt      string   `json:"created_at"`
	Status         string   `json:"status"`
	Executions     uint     `json:"executions"`
	Pending        int      `json:"pending,omitempty"`
	CommTargets    []string `json:"comm_targets,omitempty"`
}

// SpecInfo describes an installed kernel spec.
type SpecInfo struct {
	Name          string `json:"name"`
	DisplayName   string `json:"display_name"`
	Language      string `json:"language"`
	InterruptMode string `json:"interrupt_mode,omitempty"`
	ResourceDir   string `json:"resource_dir"`
}

// Output is one piece of display output produced by an execution.
type Output struct {
	MsgID  string `json:"msg_id"`
	Kind   string `json:"kind"` // stream, execute_result, display_data, error
	Stream string `json:"stream,omitempty"`
	Text   string `json:"text"`
}

// ExecResult is the outcome of an execute_request.
type ExecResult struct {
	MsgID          string   `json:"msg_id"`
	Status         string   `json:"status"` // ok, error, aborted
	ExecutionCount *int     `json:"execution_count,omitempty"`
	EName          string   `json:"ename,omitempty"`
	EValue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

// Execution is one recorded execution, as returned by History.
type Execution struct {
	ID             int64  `json:"id"`
	Code           string `json:"code"`
	Status         string `json:"status"`
	ExecutionCount *int   `json:"execution_count,omitempty"`
	Output         string `json:"output,omitempty"`
	StartedAt      string `json:"started_at"`
	FinishedAt     string `json:"finished_at,omitempty"`
}

// Completions is the content of a complete_reply.
type Completions struct {
	Matches     []string `json:"matches"`
	CursorStart int      `json:"cursor_start"`
	CursorEnd   int      `json:"cursor_end"`
}

// Request is the union of all client-to-node control messages.
// Optional fields use omitempty so only relevant fields appear in JSON.
type Request struct {
	Type           string  `json:"type"`
	ID             *uint32 `json:"id,omitempty"`
	Kernel         string  `json:"kernel,omitempty"`
	WorkingDir     string  `json:"working_dir,omitempty"`
	Interpreter    string  `json:"interpreter,omitempty"`
	Code           string  `json:"code,omitempty"`
	CursorPos      *int    `json:"cursor_pos,omitempty"`
	AllowStdin     bool    `json:"allow_stdin,omitempty"`
	Value          string  `json:"value,omitempty"`
	IncludeHistory *bool   `json:"include_history,omitempty"`
	Tail           *uint   `json:"tail,omitempty"`
}

// UnmarshalJSON defaults include_history to true for WatchSession when the
// field is absent.
func (r *Request) UnmarshalJSON(b []byte) error {
	type Alias Request
	aux := &Alias{}
	if err := json.Unmarshal(b, aux); err != nil {
		return err
	}
	*r = Request(*aux)

	if r.Type == ReqWatchSession && r.IncludeHistory == nil {
		t := true
		r.IncludeHistory = &t
	}
	return nil
}

// Response is the union of all node-to-client control messages.
type Response struct {
	Type        string          `json:"type"`
	Sessions    *[]SessionInfo  `json:"sessions,omitempty"`
	ID          *uint32         `json:"id,omitempty"`
	Count       *uint           `json:"count,omitempty"`
	Info        *SessionInfo    `json:"info,omitempty"`
	Output      *Output         `json:"output,omitempty"`
	Result      *ExecResult     `json:"result,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
	Password    bool            `json:"password,omitempty"`
	Event       json.RawMessage `json:"event,omitempty"`
	Specs       *[]SpecInfo     `json:"specs,omitempty"`
	Executions  *[]Execution    `json:"executions,omitempty"`
	Completions *Completions    `json:"completions,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// ErrorResponse builds an Error response.
func ErrorResponse(err error) *Response {
	return &Response{Type: RespError, Message: err.Error()}
}
