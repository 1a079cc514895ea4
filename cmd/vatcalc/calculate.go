package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opensource-finance/vatcalc/internal/api"
	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/engine"
	"github.com/opensource-finance/vatcalc/internal/repository"
	"github.com/opensource-finance/vatcalc/internal/rulefile"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	calcInput     string
	calcRulesFile string
	calcService   string
	calcVolume    string
	calcFrequency string
	calcCountries []string
	calcServices  []string
	calcAsOf      string
	calcCurrency  string
)

var calculateCmd = &cobra.Command{
	Use:   "calculate",
	Short: "Price one filing request and print the result as JSON",
	Long: `Price a filing request against the repository's rules, or against a YAML
rule file when --rules is given.

The request comes from --input (the POST /calculations body) or from flags.

Examples:
  vatcalc calculate --rules rules.yaml --service FullService --volume 1200 --frequency Monthly --country DE --country GB
  vatcalc calculate --input request.json`,
	Args: cobra.NoArgs,
	RunE: runCalculate,
}

func init() {
	f := calculateCmd.Flags()
	f.StringVarP(&calcInput, "input", "i", "", "JSON request file")
	f.StringVar(&calcRulesFile, "rules", "", "YAML rule file to price against instead of the repository")
	f.StringVar(&calcService, "service", string(domain.ServiceStandardFiling), "service type")
	f.StringVar(&calcVolume, "volume", "", "transactions per period")
	f.StringVar(&calcFrequency, "frequency", string(domain.FrequencyQuarterly), "filing frequency")
	f.StringSliceVar(&calcCountries, "country", nil, "country code (repeatable)")
	f.StringSliceVar(&calcServices, "additional-service", nil, "additional service (repeatable)")
	f.StringVar(&calcAsOf, "as-of", "", "pricing date, YYYY-MM-DD (default today)")
	f.StringVar(&calcCurrency, "currency", "", "result currency (default base currency)")
}

func runCalculate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	body, err := calculationInput()
	if err != nil {
		return err
	}
	req, err := body.ToDomain()
	if err != nil {
		return err
	}

	var source domain.RuleSource
	if calcRulesFile != "" {
		src, err := rulefile.LoadSource(calcRulesFile)
		if err != nil {
			return err
		}
		source = src
	} else {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()
		source = repo
	}

	if cfg.Server.CalculationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Server.CalculationTimeout)*time.Second)
		defer cancel()
	}

	result, err := engine.New(source, cfg.Engine).Calculate(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func calculationInput() (*api.CalculationRequest, error) {
	if calcInput != "" {
		data, err := os.ReadFile(calcInput)
		if err != nil {
			return nil, fmt.Errorf("read request file: %w", err)
		}
		var body api.CalculationRequest
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("parse request file: %w", err)
		}
		return &body, nil
	}

	if calcVolume == "" {
		return nil, errors.New("--volume is required without --input")
	}
	volume, err := decimal.NewFromString(calcVolume)
	if err != nil {
		return nil, fmt.Errorf("invalid --volume %q: %w", calcVolume, err)
	}
	return &api.CalculationRequest{
		ServiceType:        domain.ServiceType(calcService),
		TransactionVolume:  volume,
		Frequency:          domain.FilingFrequency(calcFrequency),
		Countries:          calcCountries,
		AdditionalServices: calcServices,
		AsOf:               calcAsOf,
		Currency:           calcCurrency,
	}, nil
}
