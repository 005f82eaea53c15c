// Package executor implements the low-level actions: list, read, write,
// append and copy files, run and undo scripts. Every operation goes through
// the sandbox and is wrapped, in order, by the containment guard, the
// read-only guard and the low-level step recorder.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/backup"
	"github.com/jkaninda/mlbench/internal/guard"
	"github.com/jkaninda/mlbench/internal/sandbox"
	"github.com/jkaninda/mlbench/internal/trace"
)

// Action names.
const (
	ListFiles      = "List Files"
	ReadFile       = "Read File"
	WriteFile      = "Write File"
	AppendFile     = "Append File"
	CopyFile       = "Copy File"
	UndoEditScript = "Undo Edit Script"
	ExecuteScript  = "Execute Script"
	PythonREPL     = "Python REPL"
	ReplaceScript  = "Replace Script"
)

const (
	fileNameUsage   = "a valid file name with relative path to current directory if needed"
	scriptNameUsage = "a valid python script name with relative path to current directory if needed"
)

// Executor owns the sandbox and backup manager shared by all handlers.
type Executor struct {
	sandbox  sandbox.Sandbox
	backups  *backup.Manager
	logger   *slog.Logger
	handlers map[string]action.Handler
}

// New creates an executor. backups may be nil when no script edits are expected.
func New(sb sandbox.Sandbox, backups *backup.Manager, logger *slog.Logger) *Executor {
	if backups == nil {
		backups = backup.NewManager("", nil, logger)
	}
	return &Executor{
		sandbox:  sb,
		backups:  backups,
		logger:   logger,
		handlers: make(map[string]action.Handler),
	}
}

// Backups returns the undo history.
func (e *Executor) Backups() *backup.Manager { return e.backups }

// spec describes one action before its handler is wrapped.
type spec struct {
	info     action.Info
	handler  action.Handler
	contain  []string
	writable []string
}

// Register adds every action implemented here to reg.
func (e *Executor) Register(reg *action.Registry) {
	for _, s := range e.specs() {
		mws := []action.Middleware{
			guard.Contained(s.contain...),
			guard.Writable(s.writable...),
		}
		// Composite actions are recorded through the low-level calls they make.
		if s.info.LowLevel {
			mws = append(mws, trace.Record(s.info.Name, s.info.Usage.Keys()))
		}
		h := action.Chain(s.handler, mws...)
		e.handlers[s.info.Name] = h
		info := s.info
		info.Handler = h
		reg.Register(info)
	}
}

// Invoke runs a registered action with the full pipeline. Composite actions
// use it so their low-level operations show up in the trace.
func (e *Executor) Invoke(ctx context.Context, call *action.Call, name string, args map[string]any) (string, error) {
	h, ok := e.handlers[name]
	if !ok {
		return "", fmt.Errorf("executor: action %q is not registered", name)
	}
	return h(ctx, call.Derive(name, args))
}

func (e *Executor) specs() []spec {
	return []spec{
		{
			info: action.Info{
				Name:        ListFiles,
				Description: "Use this to navigate the file system.",
				Usage: action.Usage{
					{Name: "dir_path", Description: `a valid relative path to a directory, such as "." or "folder1/folder2"`},
				},
				ReturnValue: "The observation will be a list of files and folders in dir_path or current directory is dir_path is empty, or an error message if dir_path is invalid.",
				HandlerName: "list_files",
				LowLevel:    true,
			},
			handler: e.listFiles,
			contain: []string{"dir_path"},
		},
		{
			info: action.Info{
				Name:        ReadFile,
				Description: "Use this to read an existing file.",
				Usage: action.Usage{
					{Name: "file_name", Description: fileNameUsage},
				},
				ReturnValue: "The observation will be the contents of the file read.",
				HandlerName: "read_file",
				LowLevel:    true,
			},
			handler: e.readFile,
			contain: []string{"file_name"},
		},
		{
			info: action.Info{
				Name:        WriteFile,
				Description: "Use this to write a file. If the file already exists, it will be overwritten.",
				Usage: action.Usage{
					{Name: "file_name", Description: fileNameUsage},
					{Name: "content", Description: "the content to be written to the file"},
				},
				ReturnValue: "A success message if the file is written successfully, or an error message if the file cannot be written.",
				HandlerName: "write_file",
				LowLevel:    true,
			},
			handler:  e.writeFile,
			contain:  []string{"file_name"},
			writable: []string{"file_name"},
		},
		{
			info: action.Info{
				Name:        AppendFile,
				Description: "Use this to append a file to a new location with a new name.",
				Usage: action.Usage{
					{Name: "file_name", Description: fileNameUsage},
					{Name: "content", Description: "the content to be appended to the file"},
				},
				ReturnValue: "A success message if the file is appended successfully, or an error message if the file cannot be appended.",
				HandlerName: "append_file",
				LowLevel:    true,
			},
			handler:  e.appendFile,
			contain:  []string{"file_name"},
			writable: []string{"file_name"},
		},
		{
			info: action.Info{
				Name:        CopyFile,
				Description: "Use this to copy a file to a new location with a new name.",
				Usage: action.Usage{
					{Name: "source", Description: fileNameUsage},
					{Name: "destination", Description: fileNameUsage},
				},
				ReturnValue: "A success message if the file is copied successfully, or an error message if the file cannot be copied.",
				HandlerName: "copy_file",
				LowLevel:    true,
			},
			handler:  e.copyFile,
			contain:  []string{"source", "destination"},
			writable: []string{"destination"},
		},
		{
			info: action.Info{
				Name:        UndoEditScript,
				Description: "Use this to undo the last edit of the python script.",
				Usage: action.Usage{
					{Name: "script_name", Description: scriptNameUsage},
				},
				ReturnValue: "The observation will be the content of the script before the last edit. If the script does not exist, the observation will be an error message.",
				HandlerName: "undo_edit_script",
				LowLevel:    true,
			},
			handler:  e.undoEditScript,
			contain:  []string{"script_name"},
			writable: []string{"script_name"},
		},
		{
			info: action.Info{
				Name:        ExecuteScript,
				Description: "Use this to execute the python script. The script must already exist.",
				Usage: action.Usage{
					{Name: "script_name", Description: scriptNameUsage},
				},
				ReturnValue: "The observation will be output of the script or errors.",
				HandlerName: "execute_script",
				LowLevel:    true,
			},
			handler: e.executeScript,
			contain: []string{"script_name"},
		},
		{
			info: action.Info{
				Name:        PythonREPL,
				Description: "A python REPL. Use this to execute single line python commands.",
				Usage: action.Usage{
					{Name: "command", Description: "a valid python command"},
				},
				ReturnValue: "The observation will be output of the command or errors.",
				HandlerName: "python_repl",
				LowLevel:    true,
			},
			handler: pythonREPL,
		},
		{
			info: action.Info{
				Name:        action.FinalAnswer,
				Description: "Use this to provide the final answer to the current task.",
				Usage: action.Usage{
					{Name: "final_answer", Description: "a detailed description on the final answer"},
				},
				ReturnValue: "The observation will be empty.",
				HandlerName: "final_answer",
				LowLevel:    true,
			},
			handler: finalAnswer,
		},
		{
			info: action.Info{
				Name:        ReplaceScript,
				Description: "Use this to replace the whole content of a python script. The previous content is backed up and can be restored with Undo Edit Script.",
				Usage: action.Usage{
					{Name: "script_name", Description: scriptNameUsage},
					{Name: "content", Description: "the new content of the script"},
				},
				ReturnValue: "A success message with the new content of the script, or an error message if the script cannot be edited.",
				HandlerName: "replace_script",
				LowLevel:    false,
			},
			handler:  e.replaceScript,
			contain:  []string{"script_name"},
			writable: []string{"script_name"},
		},
	}
}

func pythonREPL(_ context.Context, call *action.Call) (string, error) {
	if _, err := call.String("command"); err != nil {
		return "", err
	}
	return "", action.EnvErrorf("Not implemented")
}

func finalAnswer(_ context.Context, _ *action.Call) (string, error) {
	return "", nil
}
