package executor

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"

	"github.com/jo-hoe/jobserver/internal/common"
	"github.com/jo-hoe/jobserver/internal/jobserr"
)

// Impersonator resolves an OS username to process credentials the Executor
// attaches to the assistant subprocess via SysProcAttr.Credential. Isolated
// behind this interface so tests substitute an in-process stub that runs
// the command as the calling test user instead of requiring root/CAP_SETUID.
type Impersonator interface {
	Credential(username string) (*syscall.Credential, error)
}

// PosixImpersonator resolves real OS accounts via os/user, constrained to
// non-system UIDs. Running the server as root (or with CAP_SETUID/CAP_SETGID)
// is required for the resulting Credential to take effect.
type PosixImpersonator struct {
	minUID uint32
}

// NewPosixImpersonator builds a PosixImpersonator that rejects any account
// below minUID (MinImpersonationUID per the common defaults).
func NewPosixImpersonator(minUID uint32) *PosixImpersonator {
	if minUID == 0 {
		minUID = common.MinImpersonationUID
	}
	return &PosixImpersonator{minUID: minUID}
}

// Credential looks up username and returns a syscall.Credential for it,
// rejecting system accounts (UID below the configured floor).
func (p *PosixImpersonator) Credential(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, jobserr.Wrap(jobserr.Internal, "lookup user "+username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, jobserr.Wrap(jobserr.Internal, "parse uid for "+username, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, jobserr.Wrap(jobserr.Internal, "parse gid for "+username, err)
	}
	if uint32(uid) < p.minUID {
		return nil, jobserr.New(jobserr.AccessDenied, fmt.Sprintf("user %s (uid %d) is below the minimum impersonable uid %d", username, uid, p.minUID))
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// NoopImpersonator returns a nil Credential, leaving the child process
// running as whatever user launched the server. Used by tests.
type NoopImpersonator struct{}

func (NoopImpersonator) Credential(username string) (*syscall.Credential, error) {
	return nil, nil
}
