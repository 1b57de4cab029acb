// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/membergate/internal/access"
	"github.com/holomush/membergate/internal/role"
)

// checkConfig holds the flags of the check command.
type checkConfig struct {
	capability         string
	actorRank          int
	superuser          bool
	targetRank         int
	threshold          int
	self               bool
	owner              bool
	locked             bool
	assignRank         int
	superuserRank      int
	allowNewSuperusers bool
	jsonOutput         bool
}

// checkResult is the JSON form of an explained decision.
type checkResult struct {
	Capability string `json:"capability"`
	Effect     string `json:"effect"`
	Reason     string `json:"reason"`
	Allowed    bool   `json:"allowed"`
}

// NewCheckCmd creates the check command, which explains a single decision
// without touching the database.
func NewCheckCmd() *cobra.Command {
	cfg := &checkConfig{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Explain an authorization decision",
		Long: `Evaluate one capability for the given ranks and print the effect and the
rule that produced it. Nothing is read from or written to the database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.capability, "capability", "", "capability to evaluate (e.g. edit_status)")
	cmd.Flags().IntVar(&cfg.actorRank, "actor-rank", 0, "rank of the acting role")
	cmd.Flags().BoolVar(&cfg.superuser, "superuser", false, "the actor holds the superuser tier")
	cmd.Flags().IntVar(&cfg.targetRank, "target-rank", -1, "rank of the target member or role (-1 = no ranked target)")
	cmd.Flags().IntVar(&cfg.threshold, "threshold", role.MaxRank, "minimum rank configured for the capability")
	cmd.Flags().BoolVar(&cfg.self, "self", false, "the actor targets their own account")
	cmd.Flags().BoolVar(&cfg.owner, "owner", false, "the actor submitted the target content")
	cmd.Flags().BoolVar(&cfg.locked, "locked", false, "the target role is locked")
	cmd.Flags().IntVar(&cfg.assignRank, "assign-rank", -1, "rank being granted (-1 = none)")
	cmd.Flags().IntVar(&cfg.superuserRank, "superuser-rank", role.MaxRank, "rank of the superuser tier")
	cmd.Flags().BoolVar(&cfg.allowNewSuperusers, "allow-new-superusers", false, "permit granting superuser-tier ranks")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output the decision as JSON")

	return cmd
}

func runCheck(cmd *cobra.Command, cfg *checkConfig) error {
	c, err := access.ParseCapability(cfg.capability)
	if err != nil {
		return err
	}

	threshold := cfg.threshold
	resolver := access.NewResolver(
		access.ThresholdFunc(func(access.Capability) int { return threshold }),
		access.WithAllowNewSuperusers(cfg.allowNewSuperusers),
	)
	d := resolver.CanAct(cfg.request(c))
	if err := d.Validate(); err != nil {
		return oops.Code("INTERNAL").Wrap(err)
	}

	res := checkResult{
		Capability: c.String(),
		Effect:     d.Effect.String(),
		Reason:     d.Reason.String(),
		Allowed:    d.Allowed(),
	}
	if cfg.jsonOutput {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}
	cmd.Printf("%s: %s (%s)\n", res.Capability, res.Effect, res.Reason)
	return nil
}

func (cfg *checkConfig) request(c access.Capability) access.Request {
	req := access.Request{
		Capability:      c,
		ActorID:         "actor",
		ActorRank:       cfg.actorRank,
		ActorSuperuser:  cfg.superuser,
		TargetID:        "target",
		TargetLocked:    cfg.locked,
		ActorOwnsTarget: cfg.owner,
		SuperuserRank:   cfg.superuserRank,
	}
	if cfg.self {
		req.TargetID = req.ActorID
	}
	if cfg.targetRank >= 0 {
		req.TargetRanked = true
		req.TargetRank = cfg.targetRank
	}
	if cfg.assignRank >= 0 {
		assigned := cfg.assignRank
		req.AssignedRank = &assigned
	}
	return req
}
