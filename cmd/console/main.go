package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/defistate/leverage-engine-go/cmd/console/config"
	"github.com/defistate/leverage-engine-go/engine"
	"github.com/defistate/leverage-engine-go/pkg/bank"
	"github.com/defistate/leverage-engine-go/protocols/aavev3"
	"github.com/defistate/leverage-engine-go/protocols/aggregator"
	"github.com/defistate/leverage-engine-go/protocols/balancerv2"
	"github.com/defistate/leverage-engine-go/protocols/comet"
	"github.com/defistate/leverage-engine-go/protocols/uniswapv3"
)

// --- VISUAL CONSTANTS ---
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[37m"
)

var (
	marketAddr  = common.HexToAddress("0xc3d688B66703497DAA19211EEdff47f25384cdc3")
	engineAddr  = common.HexToAddress("0x1B0e765F6224C21223AeA2af16c1C46E38885a40")
	aaveAddr    = common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")
	vaultAddr   = common.HexToAddress("0xBA12222222228d8Ba445958a75a0704d566BF2C8")
	uniPoolAddr = common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	routerAddr  = common.HexToAddress("0x1111111254EEB25477B68fb85Ed929f73A960582")
)

// header prints a styled section header
func header(title string) {
	fmt.Println("\n" + Bold + Cyan + ":: " + title + " ::" + Reset)
}

// sandbox owns the wired-together market, backends, and engine plus the
// symbol and name lookups the prompts use.
type sandbox struct {
	cfg    *config.ConsoleConfig
	bank   *bank.Bank
	market *comet.Market
	eng    *engine.Engine

	aave   *aavev3.Pool
	vault  *balancerv2.Vault
	uni    *uniswapv3.Pool
	router *aggregator.Router

	assets map[string]config.AssetConfig // by symbol, base included
	addrs  map[string]common.Address     // by symbol
	users  map[string]common.Address     // by name
}

func main() {
	// --- 1. SETUP LOGGING (To File) ---
	logFile, err := os.OpenFile("console.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("Failed to open log file: %v", err))
	}
	defer logFile.Close()

	rootLogger := slog.New(slog.NewJSONHandler(logFile, nil))

	closeApp := func() {
		fmt.Println("\n" + Red + "Fatal error occurred. Check console.log for details." + Reset)
		os.Exit(1)
	}

	// --- 2. CONFIG ---
	configPath := flag.String("config", "", "path to a console config file (built-in demo config when empty)")
	flag.Parse()

	var cfg *config.ConsoleConfig
	if *configPath == "" {
		cfg = defaultConfig()
	} else {
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			rootLogger.Error("Failed to load configuration", "path", *configPath, "error", err)
			closeApp()
		}
	}

	// --- 3. BUILD SANDBOX ---
	s, err := buildSandbox(cfg, rootLogger, prometheus.NewRegistry())
	if err != nil {
		rootLogger.Error("Failed to build sandbox", "error", err)
		closeApp()
	}

	// --- 4. RUN CONSOLE ---
	fmt.Println(Green + "Starting Leverage Engine Console..." + Reset)
	fmt.Println("Logs are being written to 'console.log'")
	runConsole(s)
}

func buildSandbox(cfg *config.ConsoleConfig, logger *slog.Logger, registry *prometheus.Registry) (*sandbox, error) {
	b := bank.New()

	assets := map[string]config.AssetConfig{cfg.Base.Symbol: cfg.Base}
	addrs := map[string]common.Address{cfg.Base.Symbol: common.HexToAddress(cfg.Base.Address)}

	var listings []comet.AssetConfig
	for _, a := range cfg.Assets {
		bcf, err := a.BorrowFactor()
		if err != nil {
			return nil, err
		}
		lcf, err := a.LiquidateFactor()
		if err != nil {
			return nil, err
		}
		listings = append(listings, comet.AssetConfig{
			Asset:                     common.HexToAddress(a.Address),
			PriceFeed:                 feedFor(a.Symbol),
			Scale:                     a.Scale(),
			BorrowCollateralFactor:    bcf,
			LiquidateCollateralFactor: lcf,
		})
		assets[a.Symbol] = a
		addrs[a.Symbol] = common.HexToAddress(a.Address)
	}

	market, err := comet.New(comet.Config{
		Address:   marketAddr,
		BaseAsset: addrs[cfg.Base.Symbol],
		BaseFeed:  feedFor(cfg.Base.Symbol),
		BaseScale: cfg.Base.Scale(),
		Bank:      b,
		Assets:    listings,
	})
	if err != nil {
		return nil, err
	}
	for sym, a := range assets {
		price, err := a.Price()
		if err != nil {
			return nil, err
		}
		market.SetPrice(feedFor(sym), price)
	}

	aave := aavev3.New(b, aaveAddr, cfg.AavePremiumBps)
	vault := balancerv2.New(b, vaultAddr, [32]byte{0xba, 0x12})
	uni := uniswapv3.New(b, uniPoolAddr, cfg.UniswapFeePips)
	router := aggregator.New(b, routerAddr)

	eng, err := engine.New(engine.Config{
		Ledger:         market,
		Bank:           b,
		Address:        engineAddr,
		Treasury:       common.HexToAddress(cfg.Treasury),
		WrappedNative:  firstListed(cfg, addrs),
		MaxLeverageBps: cfg.MaxLeverageBps,
		Plugins: []engine.PluginEntry{
			{Backend: aave.Key(), Selector: aave.Selector()},
			{Backend: vault.Key(), Selector: vault.Selector()},
			{Backend: uni.Key(), Selector: uni.Selector()},
		},
		Lenders:        []engine.FlashLender{aave, vault, uni},
		Swappers:       []engine.Swapper{router},
		DefaultLender:  aave.Key(),
		DefaultSwapper: router.Key(),
		Logger:         logger,
		Metrics:        engine.NewMetrics(registry),
	})
	if err != nil {
		return nil, err
	}

	s := &sandbox{
		cfg: cfg, bank: b, market: market, eng: eng,
		aave: aave, vault: vault, uni: uni, router: router,
		assets: assets, addrs: addrs,
		users: make(map[string]common.Address),
	}
	s.fund()
	return s, nil
}

// fund seeds deep liquidity everywhere and the configured user balances,
// then names the engine as every user's operator.
func (s *sandbox) fund() {
	baseAddr := s.addrs[s.cfg.Base.Symbol]
	deep := new(big.Int).Mul(big.NewInt(1_000_000_000), s.cfg.Base.Scale())
	s.bank.Mint(baseAddr, marketAddr, deep)
	s.bank.Mint(baseAddr, aaveAddr, deep)
	s.bank.Mint(baseAddr, vaultAddr, deep)
	s.bank.Mint(baseAddr, uniPoolAddr, deep)
	s.bank.Mint(baseAddr, routerAddr, deep)

	for sym, a := range s.assets {
		if sym == s.cfg.Base.Symbol {
			continue
		}
		inventory := new(big.Int).Mul(big.NewInt(1_000_000), a.Scale())
		s.bank.Mint(s.addrs[sym], routerAddr, inventory)
	}

	for _, u := range s.cfg.Users {
		addr := common.HexToAddress(u.Address)
		s.users[u.Name] = addr
		s.market.Allow(addr, engineAddr, true)
		for sym, amount := range u.Balances {
			a, ok := s.assets[sym]
			if !ok {
				continue
			}
			units, err := a.ToUnits(amount)
			if err != nil {
				continue
			}
			s.bank.Mint(s.addrs[sym], addr, units)
		}
	}
}

// runConsole handles user input and display.
func runConsole(s *sandbox) {
	reader := bufio.NewReader(os.Stdin)

	for {
		printMenu()

		fmt.Print(Bold + "Enter selection: " + Reset)
		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if quit := handleCommand(s, strings.TrimSpace(input), reader); quit {
			return
		}

		fmt.Println("\n" + Gray + "[Press Enter to continue]" + Reset)
		reader.ReadString('\n')
	}
}

func printMenu() {
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(Bold + "LEVERAGE ENGINE CONSOLE" + Reset + Gray + " | v0.1.0" + Reset)
	fmt.Println(Gray + "-----------------------------------" + Reset)
	fmt.Printf(" %s1.%s Market Status\n", Cyan, Reset)
	fmt.Printf(" %s2.%s Positions\n", Cyan, Reset)
	fmt.Printf(" %s3.%s Multiply   %s(open / lever up)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Printf(" %s4.%s Cover      %s(delever / close)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Printf(" %s5.%s Exchange   %s(swap collateral)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Println(Gray + "-----------------------------------" + Reset)
	fmt.Printf(" %sh.%s Help / Architecture\n", Yellow, Reset)
	fmt.Printf(" %sq.%s Quit\n", Red, Reset)
	fmt.Println("")
}

func handleCommand(s *sandbox, input string, reader *bufio.Reader) bool {
	switch input {
	case "1":
		printMarketStatus(s)
	case "2":
		printPositions(s)
	case "3":
		doMultiply(s, reader)
	case "4":
		doCover(s, reader)
	case "5":
		doExchange(s, reader)
	case "h":
		printHelp()
	case "q":
		fmt.Println(Yellow + "Bye." + Reset)
		return true
	default:
		fmt.Println(Red + "Unknown command." + Reset)
	}
	return false
}

// --- COMMAND HANDLERS ---

func printHelp() {
	fmt.Print("\033[H\033[2J")

	header("LEVERAGE ENGINE ARCHITECTURE")
	fmt.Println(Bold + "Concept: Flash-Advance Sagas" + Reset)
	fmt.Println("Every operation is one atomic saga: an advance is flash-borrowed from a")
	fmt.Println("lending backend, the position is restructured mid-flight, and the advance")
	fmt.Println("is repaid before the saga returns. Any failure rolls everything back.")
	fmt.Println("")

	fmt.Println(Bold + "1. THE THREE SAGAS" + Reset)
	fmt.Printf("   A. %sMultiply%s  - borrow base, swap to collateral, supply, re-borrow.\n", Cyan, Reset)
	fmt.Printf("   B. %sCover%s     - borrow base, repay debt, sell freed collateral.\n", Cyan, Reset)
	fmt.Printf("   C. %sExchange%s  - flash-repay debt, rotate collateral, re-borrow.\n", Cyan, Reset)
	fmt.Println("")

	fmt.Println(Bold + "2. PLUGIN DISPATCH" + Reset)
	fmt.Println("   Lending backends are registered as (key, selector) plugins in a")
	fmt.Println("   write-once registry. The flash callback authenticates the caller")
	fmt.Println("   against the registry and the live loan ticket before any funds move.")
	fmt.Println("")

	fmt.Println(Bold + "3. BACKENDS IN THIS SANDBOX" + Reset)
	fmt.Println("   - Aave-style pool      (premium in bps)")
	fmt.Println("   - Balancer-style vault (fee free)")
	fmt.Println("   - Uniswap-style pool   (fee tier in pips)")
	fmt.Println("   - Aggregator venue     (fills the quote carried in routing data)")
}

func printMarketStatus(s *sandbox) {
	header("MARKET STATUS")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "ASSET\tROLE\tPRICE (USD)\tBORROW CF\tLIQUIDATE CF\t")
	fmt.Fprintln(w, "-----\t----\t-----------\t---------\t------------\t")
	fmt.Fprintf(w, "%s\tbase\t%s\t-\t-\t\n", s.cfg.Base.Symbol, s.cfg.Base.PriceUSD)
	for _, a := range s.cfg.Assets {
		fmt.Fprintf(w, "%s\tcollateral\t%s\t%s\t%s\t\n",
			a.Symbol, a.PriceUSD, a.BorrowCollateralFactor, a.LiquidateCollateralFactor)
	}
	w.Flush()

	fmt.Printf("\n%sBackends:%s aave (%d bps) | balancer (free) | uniswap (%d pips)\n",
		Bold, Reset, s.cfg.AavePremiumBps, s.cfg.UniswapFeePips)
	fmt.Printf("%sMax leverage:%s %sx\n", Bold, Reset,
		decimal.NewFromUint64(s.cfg.MaxLeverageBps).Shift(-4).String())
}

func printPositions(s *sandbox) {
	header("POSITIONS")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "USER\tDEBT\tCOLLATERAL\tWALLET\t")
	fmt.Fprintln(w, "----\t----\t----------\t------\t")

	for _, u := range s.cfg.Users {
		addr := s.users[u.Name]
		debt := s.cfg.Base.FromUnits(s.market.BorrowBalanceOf(addr))

		var collateral, wallet []string
		for _, a := range s.cfg.Assets {
			if c := s.market.CollateralBalanceOf(addr, s.addrs[a.Symbol]); c.Sign() > 0 {
				collateral = append(collateral, a.FromUnits(c)+" "+a.Symbol)
			}
		}
		for sym, a := range s.assets {
			if b := s.bank.BalanceOf(s.addrs[sym], addr); b.Sign() > 0 {
				wallet = append(wallet, a.FromUnits(b)+" "+sym)
			}
		}
		fmt.Fprintf(w, "%s\t%s %s\t%s\t%s\t\n",
			u.Name, debt, s.cfg.Base.Symbol,
			strings.Join(collateral, ", "), strings.Join(wallet, ", "))
	}
	w.Flush()
}

func doMultiply(s *sandbox, reader *bufio.Reader) {
	user, ok := s.promptUser(reader)
	if !ok {
		return
	}
	sym, asset, ok := s.promptCollateral(reader)
	if !ok {
		return
	}
	amount, ok := s.promptAmount(reader, asset, "Principal amount")
	if !ok {
		return
	}
	fmt.Print(Bold + "Leverage (e.g. 2.5): " + Reset)
	lev, err := decimal.NewFromString(readLine(reader))
	if err != nil {
		fmt.Println(Red + "Invalid leverage." + Reset)
		return
	}
	leverageBps := lev.Shift(4).BigInt().Uint64()

	// Par quote: the advance converted back to collateral at oracle price.
	borrow := s.convert(amount, asset, s.cfg.Base)
	borrow = s.applyLeverage(borrow, leverageBps)
	quote := s.convert(borrow, s.cfg.Base, asset)

	receipt, err := s.eng.Multiply(user, s.addrs[sym], amount, leverageBps, quote, aggregator.EncodeQuote(quote))
	if err != nil {
		fmt.Printf(Red+"[FAILED] %v%s\n", err, Reset)
		return
	}
	fmt.Printf("%s[OK]%s advanced %s %s at a %s %s fee, supplied %s %s\n",
		Green, Reset,
		s.cfg.Base.FromUnits(receipt.Advanced), s.cfg.Base.Symbol,
		s.cfg.Base.FromUnits(receipt.Fee), s.cfg.Base.Symbol,
		asset.FromUnits(receipt.SuppliedTotal), sym)
}

func doCover(s *sandbox, reader *bufio.Reader) {
	user, ok := s.promptUser(reader)
	if !ok {
		return
	}
	sym, asset, ok := s.promptCollateral(reader)
	if !ok {
		return
	}

	fmt.Print(Bold + "Collateral to unwind ('all' closes the position): " + Reset)
	raw := readLine(reader)

	closeAll := strings.EqualFold(raw, "all")
	requested := engine.MaxUint256
	if !closeAll {
		var err error
		requested, err = asset.ToUnits(raw)
		if err != nil {
			fmt.Println(Red + "Invalid amount." + Reset)
			return
		}
	}

	// Quote with headroom over the unwound value plus the worst-case
	// premium.
	unwound := s.market.BorrowBalanceOf(user)
	if !closeAll {
		unwound = s.convert(requested, asset, s.cfg.Base)
	}
	quote := new(big.Int).Mul(unwound, big.NewInt(10_100))
	quote.Quo(quote, big.NewInt(10_000))

	receipt, err := s.eng.Cover(user, s.addrs[sym], requested, nil, aggregator.EncodeQuote(quote))
	if err != nil {
		fmt.Printf(Red+"[FAILED] %v%s\n", err, Reset)
		return
	}
	fmt.Printf("%s[OK]%s repaid %s %s, surplus %s %s returned\n",
		Green, Reset,
		s.cfg.Base.FromUnits(receipt.Repaid), s.cfg.Base.Symbol,
		s.cfg.Base.FromUnits(receipt.Surplus), s.cfg.Base.Symbol)
}

func doExchange(s *sandbox, reader *bufio.Reader) {
	user, ok := s.promptUser(reader)
	if !ok {
		return
	}
	fromSym, fromAsset, ok := s.promptCollateral(reader)
	if !ok {
		return
	}
	fmt.Print(Bold + "Target collateral symbol: " + Reset)
	toSym := strings.ToUpper(readLine(reader))
	toAsset, ok := s.assets[toSym]
	if !ok || toSym == s.cfg.Base.Symbol {
		fmt.Println(Red + "Unknown collateral symbol." + Reset)
		return
	}
	amount, ok := s.promptAmount(reader, fromAsset, "Amount to rotate")
	if !ok {
		return
	}
	fmt.Print(Bold + "Max capacity drop in percent (e.g. 1.5): " + Reset)
	drop, err := decimal.NewFromString(readLine(reader))
	if err != nil {
		fmt.Println(Red + "Invalid percentage." + Reset)
		return
	}
	maxDropBps := drop.Shift(2).BigInt().Uint64()

	quote := s.convert(amount, fromAsset, toAsset)
	opts := s.promptLender(reader)

	receipt, err := s.eng.Exchange(opts, user, s.addrs[fromSym], s.addrs[toSym], amount, quote, maxDropBps, aggregator.EncodeQuote(quote))
	if err != nil {
		fmt.Printf(Red+"[FAILED] %v%s\n", err, Reset)
		return
	}
	fmt.Printf("%s[OK]%s rotated %s %s into %s %s (advance %s %s, fee %s %s)\n",
		Green, Reset,
		fromAsset.FromUnits(receipt.AmountIn), fromSym,
		toAsset.FromUnits(receipt.AmountOut), toSym,
		s.cfg.Base.FromUnits(receipt.Advanced), s.cfg.Base.Symbol,
		s.cfg.Base.FromUnits(receipt.Fee), s.cfg.Base.Symbol)
}

// --- PROMPTS & MATH ---

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func (s *sandbox) promptUser(reader *bufio.Reader) (common.Address, bool) {
	names := make([]string, 0, len(s.cfg.Users))
	for _, u := range s.cfg.Users {
		names = append(names, u.Name)
	}
	fmt.Printf(Bold+"User (%s): "+Reset, strings.Join(names, "/"))
	name := readLine(reader)
	addr, ok := s.users[name]
	if !ok {
		fmt.Println(Red + "Unknown user." + Reset)
		return common.Address{}, false
	}
	return addr, true
}

func (s *sandbox) promptCollateral(reader *bufio.Reader) (string, config.AssetConfig, bool) {
	fmt.Print(Bold + "Collateral symbol: " + Reset)
	sym := strings.ToUpper(readLine(reader))
	a, ok := s.assets[sym]
	if !ok || sym == s.cfg.Base.Symbol {
		fmt.Println(Red + "Unknown collateral symbol." + Reset)
		return "", config.AssetConfig{}, false
	}
	return sym, a, true
}

func (s *sandbox) promptAmount(reader *bufio.Reader, a config.AssetConfig, label string) (*big.Int, bool) {
	fmt.Print(Bold + label + ": " + Reset)
	amount, err := a.ToUnits(readLine(reader))
	if err != nil {
		fmt.Println(Red + "Invalid amount." + Reset)
		return nil, false
	}
	return amount, true
}

func (s *sandbox) promptLender(reader *bufio.Reader) engine.ExchangeOpts {
	fmt.Print(Bold + "Lender (a=aave, b=balancer, u=uniswap, enter=default): " + Reset)
	switch readLine(reader) {
	case "b":
		return engine.ExchangeOpts{Lender: s.vault.Key()}
	case "u":
		return engine.ExchangeOpts{Lender: s.uni.Key()}
	default:
		return engine.ExchangeOpts{}
	}
}

// convert re-denominates an amount between two assets at oracle prices.
func (s *sandbox) convert(amount *big.Int, from, to config.AssetConfig) *big.Int {
	fromPrice, _ := from.Price()
	toPrice, _ := to.Price()
	v := new(big.Int).Mul(amount, fromPrice)
	v.Quo(v, from.Scale())
	v.Mul(v, to.Scale())
	v.Quo(v, toPrice)
	return v
}

func (s *sandbox) applyLeverage(amount *big.Int, leverageBps uint64) *big.Int {
	if leverageBps <= 10_000 {
		return new(big.Int)
	}
	v := new(big.Int).Mul(amount, new(big.Int).SetUint64(leverageBps-10_000))
	return v.Quo(v, big.NewInt(10_000))
}

func feedFor(symbol string) common.Address {
	return common.BytesToAddress(append([]byte{0x0f, 0xee, 0xd0}, []byte(symbol)...))
}

// firstListed picks the first listed collateral as the wrapped-native
// asset, which the demo config orders WETH-first.
func firstListed(cfg *config.ConsoleConfig, addrs map[string]common.Address) common.Address {
	if len(cfg.Assets) == 0 {
		return common.Address{}
	}
	return addrs[cfg.Assets[0].Symbol]
}

func defaultConfig() *config.ConsoleConfig {
	return &config.ConsoleConfig{
		Base: config.AssetConfig{
			Symbol:   "USDC",
			Address:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			Decimals: 6,
			PriceUSD: "1",
		},
		Assets: []config.AssetConfig{
			{
				Symbol:                    "WETH",
				Address:                   "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
				Decimals:                  18,
				PriceUSD:                  "2000",
				BorrowCollateralFactor:    "0.8",
				LiquidateCollateralFactor: "0.85",
			},
			{
				Symbol:                    "WSTETH",
				Address:                   "0x7f39C581F595B53c5cb19bD0b3f8dA6c935E2Ca0",
				Decimals:                  18,
				PriceUSD:                  "2300",
				BorrowCollateralFactor:    "0.75",
				LiquidateCollateralFactor: "0.8",
			},
		},
		Users: []config.UserConfig{
			{
				Name:     "alice",
				Address:  "0xaaaa00000000000000000000000000000000aaaa",
				Balances: map[string]string{"WETH": "100", "USDC": "50000"},
			},
			{
				Name:     "bob",
				Address:  "0xbbbb00000000000000000000000000000000bbbb",
				Balances: map[string]string{"WSTETH": "50"},
			},
		},
		Treasury:       "0x7777000000000000000000000000000000007777",
		MaxLeverageBps: 50_000,
		AavePremiumBps: aavev3.DefaultPremiumBps,
		UniswapFeePips: 500,
	}
}
