package evolution

import (
	"bytes"
	"fmt"
	"text/template"
)

// The harness is the in-sandbox runner. It loads the fixture payload if one
// exists, executes the candidate inside a guarded block that captures any
// fault without crashing, and writes the structured result file to the
// read-write output mount. A clean candidate run exits 0; a captured fault
// exits 1. The wall-clock watchdog wraps the harness from outside (busybox
// timeout with SIGKILL), so a hung candidate never gets to lie about its
// outcome.
const harnessTemplate = `import json
import resource
import sys
import time
import traceback

RESULT_PATH = "/sandbox/out/result.json"
FIXTURES_PATH = "/sandbox/fixtures.json"
ENTRY_POINT = {{printf "%q" .FunctionName}}


def _load_fixtures():
    try:
        with open(FIXTURES_PATH) as f:
            return json.load(f)
    except FileNotFoundError:
        return None


def _usage():
    ru = resource.getrusage(resource.RUSAGE_SELF)
    return {
        "max_rss_bytes": ru.ru_maxrss * 1024,
        "user_time_s": ru.ru_utime,
        "system_time_s": ru.ru_stime,
        "io_read_ops": ru.ru_inblock,
        "io_write_ops": ru.ru_oublock,
    }


def _write(result):
    with open(RESULT_PATH, "w") as f:
        json.dump(result, f)


def main():
    started = time.monotonic()
    result = {"success": False, "output": "", "elapsed_s": 0.0}
    fixtures = _load_fixtures()

    try:
        import candidate
        if ENTRY_POINT:
            entry = getattr(candidate, ENTRY_POINT, None)
            if entry is None:
                raise AttributeError(
                    "candidate does not define entry point %r" % ENTRY_POINT)
            value = entry(fixtures) if fixtures is not None else entry()
            result["output"] = repr(value)
        result["success"] = True
    except BaseException as exc:  # noqa: BLE001 - the guarded block is the point
        result["fault"] = {
            "type": type(exc).__name__,
            "message": str(exc),
            "traceback": traceback.format_exc(),
        }

    result["elapsed_s"] = time.monotonic() - started
    result["usage"] = _usage()
    _write(result)
    sys.exit(0 if result["success"] else 1)


if __name__ == "__main__":
    main()
`

var harnessTmpl = template.Must(template.New("harness").Parse(harnessTemplate))

// renderHarness produces the harness source for a candidate entry point.
// An empty function name means the candidate is executed for import side
// effects only.
func renderHarness(functionName string) (string, error) {
	var buf bytes.Buffer
	if err := harnessTmpl.Execute(&buf, struct{ FunctionName string }{functionName}); err != nil {
		return "", fmt.Errorf("failed to render harness: %w", err)
	}
	return buf.String(), nil
}
