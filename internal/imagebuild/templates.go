package imagebuild

import (
	"fmt"
	"strings"

	"github.com/oriys/quasar/internal/domain"
)

// runtimeFamily groups runtime labels into template families.
type runtimeFamily int

const (
	familyPython runtimeFamily = iota
	familyNode
	familyRuby
	familyProvided // go, java, dotnet, provided: the package ships its own bootstrap
)

func familyFor(rt domain.Runtime) runtimeFamily {
	r := string(rt)
	switch {
	case strings.HasPrefix(r, "python"):
		return familyPython
	case strings.HasPrefix(r, "node"):
		return familyNode
	case strings.HasPrefix(r, "ruby"):
		return familyRuby
	default:
		return familyProvided
	}
}

// baseImageFor maps a runtime label to its base image, carrying the version
// suffix through (python3.12 → python:3.12-slim).
func baseImageFor(rt domain.Runtime) string {
	r := string(rt)
	switch {
	case strings.HasPrefix(r, "python"):
		ver := strings.TrimPrefix(r, "python")
		if ver == "" {
			ver = "3.12"
		}
		return "python:" + ver + "-slim"
	case strings.HasPrefix(r, "node"):
		ver := strings.TrimPrefix(r, "node")
		ver = strings.TrimSuffix(ver, ".x")
		ver = strings.TrimPrefix(ver, "js")
		if ver == "" {
			ver = "20"
		}
		return "node:" + ver + "-slim"
	case strings.HasPrefix(r, "ruby"):
		ver := strings.TrimPrefix(r, "ruby")
		if ver == "" {
			ver = "3.3"
		}
		return "ruby:" + ver + "-slim"
	default:
		return "debian:bookworm-slim"
	}
}

// dockerfileFor renders the Dockerfile for one function. The build context
// carries the unpacked package under task/ plus the runtime's bootstrap
// file when the family has one.
func dockerfileFor(fn *domain.Function) string {
	base := baseImageFor(fn.Runtime)
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", base)
	b.WriteString("ENV LAMBDA_TASK_ROOT=/var/task LAMBDA_RUNTIME_DIR=/var/runtime\n")
	fmt.Fprintf(&b, "ENV _HANDLER=%s\n", fn.Handler)
	b.WriteString("COPY task/ /var/task/\n")
	switch familyFor(fn.Runtime) {
	case familyPython:
		b.WriteString("COPY bootstrap.py /var/runtime/bootstrap.py\n")
		b.WriteString("WORKDIR /var/task\n")
		b.WriteString(`CMD ["python", "/var/runtime/bootstrap.py"]` + "\n")
	case familyNode:
		b.WriteString("COPY bootstrap.mjs /var/runtime/bootstrap.mjs\n")
		b.WriteString("WORKDIR /var/task\n")
		b.WriteString(`CMD ["node", "/var/runtime/bootstrap.mjs"]` + "\n")
	case familyRuby:
		b.WriteString("COPY bootstrap.rb /var/runtime/bootstrap.rb\n")
		b.WriteString("WORKDIR /var/task\n")
		b.WriteString(`CMD ["ruby", "/var/runtime/bootstrap.rb"]` + "\n")
	default:
		// Provided-style runtimes ship an executable bootstrap at the
		// package root, the classic custom-runtime layout.
		b.WriteString("WORKDIR /var/task\n")
		b.WriteString(`CMD ["/var/task/bootstrap"]` + "\n")
	}
	return b.String()
}

// bootstrapFileFor returns the staged bootstrap filename and contents for
// the runtime family, or "" when the package supplies its own.
func bootstrapFileFor(rt domain.Runtime) (string, string) {
	switch familyFor(rt) {
	case familyPython:
		return "bootstrap.py", pythonBootstrap
	case familyNode:
		return "bootstrap.mjs", nodeBootstrap
	case familyRuby:
		return "bootstrap.rb", rubyBootstrap
	default:
		return "", ""
	}
}

// pythonBootstrap is the runtime interface client baked into python images.
// It speaks the 2018-06-01 runtime API: poll next, run the handler, post
// the response or error, always carrying the INSTANCE_ID header.
const pythonBootstrap = `import importlib
import json
import os
import sys
import traceback
import urllib.request

BASE = "http://" + os.environ["AWS_LAMBDA_RUNTIME_API"] + "/2018-06-01/runtime"
INSTANCE_ID = os.environ.get("INSTANCE_ID", "")


def post(path, body, headers=None):
    req = urllib.request.Request(BASE + path, data=body, method="POST")
    req.add_header("Content-Type", "application/json")
    if INSTANCE_ID:
        req.add_header("INSTANCE_ID", INSTANCE_ID)
    for key, value in (headers or {}).items():
        req.add_header(key, value)
    urllib.request.urlopen(req).read()


def load_handler():
    module_name, _, attr = os.environ["_HANDLER"].rpartition(".")
    sys.path.insert(0, os.environ.get("LAMBDA_TASK_ROOT", "/var/task"))
    return getattr(importlib.import_module(module_name), attr)


def main():
    try:
        handler = load_handler()
    except Exception:
        post("/init/error", json.dumps({
            "errorMessage": traceback.format_exc(),
            "errorType": "Runtime.ImportError",
        }).encode())
        sys.exit(1)

    while True:
        req = urllib.request.Request(BASE + "/invocation/next")
        if INSTANCE_ID:
            req.add_header("INSTANCE_ID", INSTANCE_ID)
        resp = urllib.request.urlopen(req)
        request_id = resp.headers.get("Lambda-Runtime-Aws-Request-Id")
        body = resp.read()
        event = json.loads(body) if body else None
        try:
            result = handler(event, None)
            post("/invocation/%s/response" % request_id,
                 json.dumps(result).encode())
        except Exception as exc:
            post("/invocation/%s/error" % request_id, json.dumps({
                "errorMessage": str(exc),
                "errorType": type(exc).__name__,
                "stackTrace": traceback.format_exc().splitlines(),
            }).encode(), {"X-Amz-Function-Error": "Unhandled"})


if __name__ == "__main__":
    main()
`

// nodeBootstrap is the runtime interface client baked into node images.
const nodeBootstrap = `const base = "http://" + process.env.AWS_LAMBDA_RUNTIME_API + "/2018-06-01/runtime";
const instanceID = process.env.INSTANCE_ID || "";
const taskRoot = process.env.LAMBDA_TASK_ROOT || "/var/task";

function headers(extra) {
  const h = { "Content-Type": "application/json", ...extra };
  if (instanceID) h["INSTANCE_ID"] = instanceID;
  return h;
}

async function post(path, body, extra) {
  await fetch(base + path, { method: "POST", headers: headers(extra), body });
}

async function loadHandler() {
  const dot = process.env._HANDLER.lastIndexOf(".");
  const file = process.env._HANDLER.slice(0, dot);
  const name = process.env._HANDLER.slice(dot + 1);
  const mod = await import(taskRoot + "/" + file + ".mjs").catch(() =>
    import(taskRoot + "/" + file + ".js"));
  return mod[name];
}

async function main() {
  let handler;
  try {
    handler = await loadHandler();
    if (typeof handler !== "function") throw new Error("handler is not a function");
  } catch (err) {
    await post("/init/error", JSON.stringify({
      errorMessage: String(err),
      errorType: "Runtime.ImportError",
    }));
    process.exit(1);
  }

  for (;;) {
    const resp = await fetch(base + "/invocation/next", { headers: headers() });
    const requestId = resp.headers.get("lambda-runtime-aws-request-id");
    const event = await resp.json().catch(() => null);
    try {
      const result = await handler(event, {});
      await post("/invocation/" + requestId + "/response", JSON.stringify(result ?? null));
    } catch (err) {
      await post("/invocation/" + requestId + "/error", JSON.stringify({
        errorMessage: String(err && err.message || err),
        errorType: (err && err.name) || "Error",
        stackTrace: String(err && err.stack || "").split("\n"),
      }), { "X-Amz-Function-Error": "Unhandled" });
    }
  }
}

main();
`

// rubyBootstrap is the runtime interface client baked into ruby images.
const rubyBootstrap = `require "json"
require "net/http"

BASE = "http://" + ENV.fetch("AWS_LAMBDA_RUNTIME_API") + "/2018-06-01/runtime"
INSTANCE_ID = ENV.fetch("INSTANCE_ID", "")

def post(path, body, extra = {})
  uri = URI(BASE + path)
  headers = { "Content-Type" => "application/json" }.merge(extra)
  headers["INSTANCE_ID"] = INSTANCE_ID unless INSTANCE_ID.empty?
  Net::HTTP.post(uri, body, headers)
end

file, name = ENV.fetch("_HANDLER").split(".", 2)
begin
  require File.join(ENV.fetch("LAMBDA_TASK_ROOT", "/var/task"), file)
  handler = method(name)
rescue Exception => e
  post("/init/error", JSON.generate({ errorMessage: e.message, errorType: "Runtime.ImportError" }))
  exit 1
end

loop do
  uri = URI(BASE + "/invocation/next")
  req = Net::HTTP::Get.new(uri)
  req["INSTANCE_ID"] = INSTANCE_ID unless INSTANCE_ID.empty?
  resp = Net::HTTP.start(uri.hostname, uri.port, read_timeout: 900) { |http| http.request(req) }
  request_id = resp["Lambda-Runtime-Aws-Request-Id"]
  event = resp.body.nil? || resp.body.empty? ? nil : JSON.parse(resp.body)
  begin
    result = handler.call(event: event, context: {})
    post("/invocation/#{request_id}/response", JSON.generate(result))
  rescue Exception => e
    post("/invocation/#{request_id}/error", JSON.generate({
      errorMessage: e.message,
      errorType: e.class.name,
      stackTrace: e.backtrace || [],
    }), { "X-Amz-Function-Error" => "Unhandled" })
  end
end
`
