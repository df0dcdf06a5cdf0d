package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/commit"
	"github.com/rpattn/traceforge/internal/domain"
	"github.com/rpattn/traceforge/internal/session"
)

const shellHelp = `commands:
  open <version-id>          load a project version
  ls                         list artifacts and trace links
  add <name> <type>          create an artifact
  rename <name> <new-name>   rename an artifact
  body <name> <text...>      replace an artifact body
  rm <name>                  remove an artifact
  link <source> <target>     create a manual trace link
  unlink <source> <target>   remove a trace link
  approve|decline|reset <source> <target>
                             review a generated trace link
  begin / save / discard     group edits into one commit
  undo / redo                step through history
  approvals                  show generated link review counts
  quit`

// shell is a line-oriented editor driving one session manager.
type shell struct {
	manager *session.Manager

	outMu   sync.Mutex
	out     io.Writer
	pending *commit.Builder
}

func newShell(out io.Writer) *shell {
	return &shell{out: out}
}

// Notify implements commit.Notifier.
func (sh *shell) Notify(ctx context.Context, notice commit.Notice) {
	if notice.Failed {
		sh.printf("! %s\n", notice.Message)
		return
	}
	sh.printf("ok %s\n", notice.Message)
	if notice.Summary != "" {
		sh.printf("%s\n", notice.Summary)
	}
}

func (sh *shell) printf(format string, args ...any) {
	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	fmt.Fprintf(sh.out, format, args...)
}

// Run executes commands from in until quit, EOF or ctx is done.
func (sh *shell) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := sh.exec(ctx, fields[0], fields[1:]); err != nil {
			sh.printf("error: %v\n", err)
		}
	}
	return scanner.Err()
}

func (sh *shell) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help":
		sh.printf("%s\n", shellHelp)
		return nil
	case "open":
		if len(args) != 1 {
			return errors.New("usage: open <version-id>")
		}
		versionID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid version id: %w", err)
		}
		sh.pending = nil
		s, err := sh.manager.Open(ctx, versionID)
		if err != nil {
			return err
		}
		sh.printf("opened %s: %d artifacts, %d trace links\n",
			versionID, s.Stores().Artifacts.Len(), s.Stores().Traces.Len())
		return nil
	}

	s := sh.manager.Current()
	if s == nil {
		return &domain.NoActiveVersionError{}
	}

	switch cmd {
	case "ls":
		sh.list(s)
		return nil
	case "approvals":
		counts := s.Approvals().Counts()
		sh.printf("approved %d, declined %d, unreviewed %d\n", counts.Approved, counts.Declined, counts.Unreviewed)
		return nil
	case "undo":
		_, err := s.Undo(ctx)
		return err
	case "redo":
		_, err := s.Redo(ctx)
		return err
	case "begin":
		if sh.pending != nil {
			return errors.New("a commit is already open")
		}
		sh.pending = s.NewBuilder()
		return nil
	case "discard":
		sh.pending = nil
		return nil
	case "save":
		if sh.pending == nil {
			return errors.New("no open commit")
		}
		b := sh.pending
		sh.pending = nil
		_, err := s.Save(ctx, b)
		return err
	}

	b := sh.pending
	if b == nil {
		b = s.NewBuilder()
	}
	if err := sh.edit(s, b, cmd, args); err != nil {
		return err
	}
	if sh.pending != nil {
		return nil
	}
	_, err := s.Save(ctx, b)
	return err
}

func (sh *shell) edit(s *session.Session, b *commit.Builder, cmd string, args []string) error {
	switch cmd {
	case "add":
		if len(args) != 2 {
			return errors.New("usage: add <name> <type>")
		}
		return b.AddArtifact(domain.NewArtifact(s.VersionID(), args[0], args[1], nil))
	case "rename":
		if len(args) != 2 {
			return errors.New("usage: rename <name> <new-name>")
		}
		a, err := findArtifact(s, args[0])
		if err != nil {
			return err
		}
		return b.ModifyArtifact(a.WithName(args[1]))
	case "body":
		if len(args) < 2 {
			return errors.New("usage: body <name> <text...>")
		}
		a, err := findArtifact(s, args[0])
		if err != nil {
			return err
		}
		return b.ModifyArtifact(a.WithBody(strings.Join(args[1:], " ")))
	case "rm":
		if len(args) != 1 {
			return errors.New("usage: rm <name>")
		}
		a, err := findArtifact(s, args[0])
		if err != nil {
			return err
		}
		return b.RemoveArtifact(a.ID)
	case "link":
		if len(args) != 2 {
			return errors.New("usage: link <source> <target>")
		}
		source, err := findArtifact(s, args[0])
		if err != nil {
			return err
		}
		target, err := findArtifact(s, args[1])
		if err != nil {
			return err
		}
		return b.AddTrace(domain.NewTraceLink(source, target))
	case "unlink":
		if len(args) != 2 {
			return errors.New("usage: unlink <source> <target>")
		}
		t, err := findTrace(s, args[0], args[1])
		if err != nil {
			return err
		}
		return b.RemoveTrace(t.ID)
	case "approve", "decline", "reset":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s <source> <target>", cmd)
		}
		t, err := findTrace(s, args[0], args[1])
		if err != nil {
			return err
		}
		if t.Kind != domain.TraceKindGenerated {
			return errors.New("only generated trace links can be reviewed")
		}
		status := map[string]domain.ApprovalStatus{
			"approve": domain.ApprovalApproved,
			"decline": domain.ApprovalDeclined,
			"reset":   domain.ApprovalUnreviewed,
		}[cmd]
		return b.ModifyTrace(t.WithApproval(status))
	}
	return fmt.Errorf("unknown command %q (try help)", cmd)
}

func (sh *shell) list(s *session.Session) {
	names := map[uuid.UUID]string{}
	for _, a := range s.Stores().Artifacts.All() {
		names[a.ID] = a.Name
		sh.printf("%-24s %-12s r%d\n", a.Name, a.Type, a.Revision)
	}
	for _, t := range s.Stores().Traces.All() {
		sh.printf("%s -> %s [%s %s]\n", names[t.SourceID], names[t.TargetID], t.Kind, t.Approval)
	}
}

func findArtifact(s *session.Session, name string) (domain.Artifact, error) {
	for _, a := range s.Stores().Artifacts.All() {
		if a.Name == name {
			return a, nil
		}
	}
	return domain.Artifact{}, fmt.Errorf("no artifact named %q", name)
}

func findTrace(s *session.Session, sourceName, targetName string) (domain.TraceLink, error) {
	source, err := findArtifact(s, sourceName)
	if err != nil {
		return domain.TraceLink{}, err
	}
	target, err := findArtifact(s, targetName)
	if err != nil {
		return domain.TraceLink{}, err
	}
	for _, t := range s.Stores().Traces.All() {
		if t.SourceID == source.ID && t.TargetID == target.ID {
			return t, nil
		}
	}
	return domain.TraceLink{}, fmt.Errorf("no trace link %s -> %s", sourceName, targetName)
}
