// Package lightchat implements a small chat protocol on top of cmdsock:
// users log in with a password digest, list who is online, broadcast to
// everyone or whisper to one user.
package lightchat

import (
	"github.com/pkg/errors"

	"github.com/Zereker/cmdsock"
)

// DefaultPort is the port the chat examples listen on.
const DefaultPort = 51300

// Command codes.
const (
	CommandLogin  cmdsock.Code = 0 // user:string hash:blob
	CommandLogout cmdsock.Code = 1
	CommandList   cmdsock.Code = 2
	CommandSay    cmdsock.Code = 3 // text:string
	CommandSayTo  cmdsock.Code = 4 // to:string text:string
)

// Response codes.
const (
	ResponseOk             cmdsock.Code = 0
	ResponseMsg            cmdsock.Code = 1 // from:string text:string, pushed
	ResponseErr            cmdsock.Code = 2
	ResponseCc             cmdsock.Code = 3 // from:string text:string, pushed
	ResponseUnknown        cmdsock.Code = 4
	ResponseInvalidLogin   cmdsock.Code = 5
	ResponseBanned         cmdsock.Code = 6
	ResponseInvalidInfo    cmdsock.Code = 7
	ResponseInvalidCommand cmdsock.Code = 8
	ResponseNoLogin        cmdsock.Code = 9
)

var (
	// Commands are the codes a client may send.
	Commands = cmdsock.MustCodeSet(
		cmdsock.CodeDef{Code: CommandLogin, Name: "Login"},
		cmdsock.CodeDef{Code: CommandLogout, Name: "Logout"},
		cmdsock.CodeDef{Code: CommandList, Name: "List"},
		cmdsock.CodeDef{Code: CommandSay, Name: "Say"},
		cmdsock.CodeDef{Code: CommandSayTo, Name: "SayTo"},
	)

	// Responses are the codes the server answers or pushes with.
	Responses = cmdsock.MustCodeSet(
		cmdsock.CodeDef{Code: ResponseOk, Name: "Ok"},
		cmdsock.CodeDef{Code: ResponseMsg, Name: "Msg"},
		cmdsock.CodeDef{Code: ResponseErr, Name: "Err", Failure: true},
		cmdsock.CodeDef{Code: ResponseCc, Name: "Cc"},
		cmdsock.CodeDef{Code: ResponseUnknown, Name: "Unknown", Unknown: true},
		cmdsock.CodeDef{Code: ResponseInvalidLogin, Name: "InvalidLogin"},
		cmdsock.CodeDef{Code: ResponseBanned, Name: "Banned"},
		cmdsock.CodeDef{Code: ResponseInvalidInfo, Name: "InvalidInfo"},
		cmdsock.CodeDef{Code: ResponseInvalidCommand, Name: "InvalidCommand"},
		cmdsock.CodeDef{Code: ResponseNoLogin, Name: "NoLogin"},
	)
)

// Errors a client receives for refused commands.
var (
	ErrInvalidLogin   = errors.New("lightchat: invalid login")
	ErrBanned         = errors.New("lightchat: user banned")
	ErrInvalidInfo    = errors.New("lightchat: invalid info")
	ErrInvalidCommand = errors.New("lightchat: invalid command")
	ErrNoLogin        = errors.New("lightchat: not logged in")
	ErrUnknownCommand = errors.New("lightchat: unknown command")
	ErrServerFailure  = errors.New("lightchat: server failure")
)

var responseErrors = map[cmdsock.Code]error{
	ResponseErr:            ErrServerFailure,
	ResponseUnknown:        ErrUnknownCommand,
	ResponseInvalidLogin:   ErrInvalidLogin,
	ResponseBanned:         ErrBanned,
	ResponseInvalidInfo:    ErrInvalidInfo,
	ResponseInvalidCommand: ErrInvalidCommand,
	ResponseNoLogin:        ErrNoLogin,
}

// ResponseError maps a refusal code to its error. Ok maps to nil.
func ResponseError(code cmdsock.Code) error {
	if code == ResponseOk {
		return nil
	}
	if err, ok := responseErrors[code]; ok {
		return err
	}
	return errors.Wrapf(cmdsock.ErrUnhandledCode, "lightchat: unexpected response %s", Responses.Name(code))
}
