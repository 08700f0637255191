package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	taskPriority string
	taskWorkflow []string
	taskProject  string
	taskParent   string
	taskDeps     []string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <description>",
	Short: "Queue a new task",
	Long: `Queue a new coding task for the daemon.

Examples:
  apexd task create "add retry logic to the uploader"
  apexd task create -p urgent -w plan -w implement "hotfix the parser"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]any{
			"description": strings.Join(args, " "),
		}
		if taskPriority != "" {
			body["priority"] = taskPriority
		}
		if len(taskWorkflow) > 0 {
			body["workflow"] = taskWorkflow
		}
		if taskProject != "" {
			body["project_path"] = taskProject
		}
		if taskParent != "" {
			body["parent_task_id"] = taskParent
		}
		if len(taskDeps) > 0 {
			body["depends_on"] = taskDeps
		}

		var created map[string]any
		callDaemon(func(ctx context.Context, c *client) error {
			return c.post(ctx, "/tasks", body, &created)
		})
		fmt.Printf("created task %s\n", created["id"])
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task with its lifecycle timeline",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var body json.RawMessage
		callDaemon(func(ctx context.Context, c *client) error {
			return c.get(ctx, "/tasks/"+args[0], &body)
		})
		pretty, err := json.MarshalIndent(body, "", "  ")
		if err != nil {
			exitWithError(1, "failed to format result", err)
		}
		fmt.Println(string(pretty))
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var resp map[string]any
		callDaemon(func(ctx context.Context, c *client) error {
			return c.post(ctx, "/tasks/"+args[0]+"/resume", nil, &resp)
		})
		if resumed, _ := resp["resumed"].(bool); resumed {
			fmt.Println("resumed")
		} else {
			fmt.Println("not resumed (task is not paused, or its attempts are exhausted)")
		}
	},
}

func taskVerbCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			callDaemon(func(ctx context.Context, c *client) error {
				return c.post(ctx, "/tasks/"+args[0]+"/"+verb, nil, nil)
			})
			fmt.Println("ok")
		},
	}
}

// callDaemon runs fn against the control API with the shared timeout
// and the shared error handling.
func callDaemon(fn func(ctx context.Context, c *client) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newClient(daemonAddr)
	if err := c.ping(ctx); err != nil {
		exitWithError(2, "daemon is not running or unreachable", err)
	}
	if err := fn(ctx, c); err != nil {
		exitWithError(1, "request failed", err)
	}
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskPriority, "priority", "p", "", "low|normal|high|urgent")
	taskCreateCmd.Flags().StringArrayVarP(&taskWorkflow, "workflow", "w", nil, "workflow stage (repeatable)")
	taskCreateCmd.Flags().StringVar(&taskProject, "project", "", "project path the task works in")
	taskCreateCmd.Flags().StringVar(&taskParent, "parent", "", "parent task id")
	taskCreateCmd.Flags().StringArrayVar(&taskDeps, "depends-on", nil, "task id this task depends on (repeatable)")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskResumeCmd)
	taskCmd.AddCommand(taskVerbCmd("cancel", "Cancel a queued, paused or running task"))
	taskCmd.AddCommand(taskVerbCmd("trash", "Move a finished task to the trash"))
	taskCmd.AddCommand(taskVerbCmd("restore", "Restore a task from the trash"))
	taskCmd.AddCommand(taskVerbCmd("archive", "Archive a completed task"))
	taskCmd.AddCommand(taskVerbCmd("unarchive", "Move an archived task back to completed"))
}
