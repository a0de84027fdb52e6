package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"vanish/pkg/domain"
	"vanish/svc/pow"
)

var (
	solveToken      string
	solveDifficulty int
	solveTimeout    time.Duration
)

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Find a nonce for a proof-of-work challenge",
	Long: `Searches for a nonce whose SHA-256 digest of "token:nonce" has at least
difficulty leading zero bits and prints the powSolution JSON object.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if solveToken == "" {
			return errors.New("--token is required")
		}
		if solveDifficulty < 0 || solveDifficulty > 32 {
			return errors.New("--difficulty must be between 0 and 32")
		}
		ctx := cmd.Context()
		if solveTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, solveTimeout)
			defer cancel()
		}
		nonce, err := pow.Solve(ctx, solveToken, solveDifficulty)
		if err != nil {
			return errors.Wrap(err, "solve")
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(domain.PowSolution{Token: solveToken, Nonce: nonce})
	},
}

func init() {
	solveCmd.Flags().StringVar(&solveToken, "token", "", "challenge token")
	solveCmd.Flags().IntVar(&solveDifficulty, "difficulty", 18, "required leading zero bits")
	solveCmd.Flags().DurationVar(&solveTimeout, "timeout", time.Minute, "give up after this long (0 disables)")
}
