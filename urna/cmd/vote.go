package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/go-errors/errors"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	urna "github.com/votoseguro/urnago"
	"github.com/votoseguro/urnago/urnaclient"
)

var voteCmd = &cobra.Command{
	Use:   "vote",
	Short: "Cast a vote through a voting authority",
	Long: `Walks a full voting session from the terminal: eligibility check,
challenge, second-factor code, ballot selection and cast.`,
	Run: func(command *cobra.Command, args []string) {
		url, _ := command.Flags().GetString("url")
		token, _ := command.Flags().GetString("token")
		member, _ := command.Flags().GetString("member")
		if token == "" && member == "" {
			die("", errors.New("either --token or --member is required"))
		}
		if token == "" {
			var err error
			if token, err = mintToken(url, member); err != nil {
				die("", errors.WrapPrefix(err, "Failed to obtain session token", 0))
			}
		}

		handler := &cliHandler{
			input: bufio.NewReader(os.Stdin),
			done:  make(chan struct{}),
		}
		handler.session = urnaclient.NewSession(url, token, handler)
		<-handler.done
	},
}

func init() {
	RootCmd.AddCommand(voteCmd)
	flags := voteCmd.Flags()
	flags.StringP("url", "u", "http://localhost:8088", "URL of the voting authority")
	flags.StringP("token", "t", "", "session token (from the portal login)")
	flags.StringP("member", "m", "", "member ID to mint a session token for")
}

func mintToken(url, member string) (string, error) {
	transport := urna.NewHTTPTransport(url)
	var response struct {
		SessionToken string `json:"sessionToken"`
	}
	err := transport.Post("session", &response, map[string]string{"memberId": member})
	if err != nil {
		return "", err
	}
	return response.SessionToken, nil
}

// cliHandler drives the session from the terminal.
type cliHandler struct {
	session *urnaclient.Session
	input   *bufio.Reader
	done    chan struct{}
}

var _ urnaclient.Handler = (*cliHandler)(nil)

func (h *cliHandler) StatusUpdate(oldStatus, newStatus urnaclient.Status) {
	fmt.Printf("[%s -> %s]\n", oldStatus, newStatus)
}

func (h *cliHandler) EligibilityDone(voter *urna.VoterIdentity) {
	fmt.Printf("Voting as %s (%s)\n", voter.Name, voter.MaskedID)
	h.prompt("Press enter to confirm you are not a robot")
	if err := h.session.ConfirmChallenge(); err != nil {
		h.fail(err)
		return
	}
	h.prompt("Press enter to request a verification code")
	if err := h.session.RequestCode(); err != nil {
		h.fail(err)
	}
}

func (h *cliHandler) SecondFactorIssued(window *urna.SecondFactorWindow) {
	fmt.Printf("A code was sent to you; it expires at %s after %d attempts at most.\n",
		window.ExpiresAt.Format("15:04:05"), window.AttemptsRemaining)
	h.submitCode()
}

func (h *cliHandler) CountdownTick(secondsLeft int) {
	if secondsLeft%30 == 0 {
		fmt.Printf("%d seconds left to use your code\n", secondsLeft)
	}
}

func (h *cliHandler) BallotAvailable(ballot *urna.Ballot) {
	fmt.Println("Ballot:")
	for _, choice := range ballot.Choices {
		if choice.Slate() {
			fmt.Printf("  %3d: %s (%s / %s)\n", choice.Number, choice.Name, choice.Lead, choice.RunningMate)
		} else {
			fmt.Printf("  %3d: %s\n", choice.Number, choice.Name)
		}
	}
	for {
		number, err := cast.ToIntE(h.prompt("Choice number"))
		if err != nil {
			fmt.Println("Not a number")
			continue
		}
		if err = h.session.Select(number); err != nil {
			fmt.Println(err.Error())
			continue
		}
		break
	}
	h.prompt("Press enter to cast your vote. This cannot be undone")
	if err := h.session.Cast(); err != nil {
		h.fail(err)
	}
}

func (h *cliHandler) CodeRejected(attemptsRemaining int) {
	fmt.Printf("Code rejected; %d attempts remaining.\n", attemptsRemaining)
	h.submitCode()
	if err := h.session.Cast(); err != nil {
		h.fail(err)
	}
}

func (h *cliHandler) Success(receipt *urna.Receipt) {
	fmt.Println("Your vote was registered.")
	fmt.Println("Receipt hash:      ", receipt.Hash)
	fmt.Println("Receipt timestamp: ", receipt.Timestamp)
	close(h.done)
}

func (h *cliHandler) Blocked(block *urna.Block) {
	fmt.Printf("%s\n%s\n", block.Title, block.Message)
	if block.Category.Recoverable() {
		fmt.Println("You can correct your registration in the member portal and start over.")
	}
	close(h.done)
}

func (h *cliHandler) submitCode() {
	for {
		code := h.prompt("Enter the code you received")
		if err := h.session.SubmitCode(code); err != nil {
			fmt.Println(err.Error())
			continue
		}
		return
	}
}

func (h *cliHandler) prompt(message string) string {
	fmt.Print(message + ": ")
	line, _ := h.input.ReadString('\n')
	return strings.TrimSpace(line)
}

func (h *cliHandler) fail(err error) {
	fmt.Println(err.Error())
	close(h.done)
}
