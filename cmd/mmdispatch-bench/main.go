// Command mmdispatch-bench is a small demo and benchmark harness over the
// mmdispatch engine: build a synthetic class hierarchy, run update(), and
// either print the resolved dispatch for a sample call or stress the
// perfect-hash search over a configurable number of classes.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	mmdispatch "github.com/mmdispatch/mmdispatch"
	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/polyhash"
)

var log = logrus.StandardLogger()

// rectT and ellipseT each get their own Go type so the demo can use the
// runtime-type-identity key-carrying variant, which maps one reflect.Type to
// one class key — a single parameterized struct could not carry distinct
// keys per shape kind.
type rectT struct{}
type ellipseT struct{}

// demoEngine builds the Shape/Rect/Ellipse/RoundRect hierarchy from the
// design notes' worked diamond example, with a single-argument draw method
// overridden on Rect and Ellipse.
func demoEngine(trace bool) (*mmdispatch.Engine, *catalog.MethodRecord, map[string]catalog.Key) {
	policy := mmdispatch.DefaultPolicy()
	if trace {
		policy.Trace = mmdispatch.TraceBoth
	}
	e := mmdispatch.New(policy)

	keys := map[string]catalog.Key{
		"shape":     1,
		"rect":      2,
		"ellipse":   3,
		"roundRect": 4,
	}
	e.RegisterClass(keys["shape"], nil, true)
	e.RegisterClass(keys["rect"], []catalog.Key{keys["shape"]}, false)
	e.RegisterClass(keys["ellipse"], []catalog.Key{keys["shape"]}, false)
	e.RegisterClass(keys["roundRect"], []catalog.Key{keys["rect"], keys["ellipse"]}, false)

	e.RegisterType(rectT{}, keys["rect"])
	e.RegisterType(ellipseT{}, keys["ellipse"])

	draw, _ := e.RegisterMethod("draw", []catalog.ParamSpec{{Virtual: true, Class: keys["shape"]}}, nil, nil)
	e.RegisterDefinition(draw, []catalog.Key{keys["rect"]}, func(args ...any) any { return "drew a rectangle" })
	e.RegisterDefinition(draw, []catalog.Key{keys["ellipse"]}, func(args ...any) any { return "drew an ellipse" })

	return e, draw, keys
}

func shapeValue(kind string) (any, bool) {
	switch kind {
	case "rect":
		return rectT{}, true
	case "ellipse":
		return ellipseT{}, true
	default:
		return nil, false
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	trace, _ := cmd.Flags().GetBool("trace")
	e, draw, _ := demoEngine(trace)

	if err := e.Update(); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	log.Infof("engine ready: state=%s method=%s arity=%d", e.State(), draw.Name, draw.Arity)

	out, err := e.Call(draw, rectT{})
	if err != nil {
		return err
	}
	log.Infof("draw(rect) -> %v", out)
	return nil
}

func runCall(cmd *cobra.Command, args []string) error {
	e, draw, _ := demoEngine(false)
	if err := e.Update(); err != nil {
		return fmt.Errorf("update: %w", err)
	}

	kind := "rect"
	if len(args) > 0 {
		kind = args[0]
	}
	v, ok := shapeValue(kind)
	if !ok {
		return fmt.Errorf("unknown shape %q (try \"rect\" or \"ellipse\")", kind)
	}
	out, err := e.Call(draw, v)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runStress(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("classes")
	if n <= 0 {
		n = 10000
	}

	keys := make([]catalog.Key, n)
	for i := 0; i < n; i++ {
		keys[i] = catalog.Key(i*7 + 1009)
	}

	start := time.Now()
	result, err := polyhash.Search(keys, polyhash.DefaultBudget)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("hash search failed after %s: %w", elapsed, err)
	}

	log.Infof("perfect hash found: classes=%d buckets=%d load=%.2f elapsed=%s", n, result.Buckets, float64(n)/float64(result.Buckets), elapsed)
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "mmdispatch-bench",
		Short: "Demo and benchmark harness for the mmdispatch engine",
		Long:  "Builds a synthetic multi-method hierarchy, runs update(), and exercises the dispatch and perfect-hash pipeline.",
	}
	root.PersistentFlags().Bool("trace", false, "enable pipeline and call tracing")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("mmdispatch-bench 0.1.0")
		},
	}

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build the demo hierarchy and run one update()",
		RunE:  runBuild,
	}
	buildCmd.Flags().Bool("trace", false, "enable pipeline and call tracing")

	callCmd := &cobra.Command{
		Use:   "call [shape]",
		Short: "Build the demo hierarchy and dispatch a single call",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCall,
	}

	stressCmd := &cobra.Command{
		Use:   "stress",
		Short: "Stress the perfect-hash search over a synthetic class set",
		RunE:  runStress,
	}
	stressCmd.Flags().Int("classes", 10000, "number of synthetic classes to hash")

	root.AddCommand(versionCmd, buildCmd, callCmd, stressCmd)

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
