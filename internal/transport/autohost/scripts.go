// ABOUTME: Script bodies handed to the automation host for context API access.
// ABOUTME: Staged to disk at startup and invoked by file path per operation.

package autohost

// probeScript exits 0 only when the first-party context broker is reachable.
// Run once at startup to decide between native mode and the fallback.
const probeScript = `// probe.js
var broker;
try {
    broker = new ActiveXObject("Agent.ContextBroker");
} catch (e) {
    WScript.Echo("context broker unavailable: " + e.message);
    WScript.Quit(1);
}
if (!broker.IsReady()) {
    WScript.Echo("context broker not ready");
    WScript.Quit(2);
}
WScript.Quit(0);
`

// postScript publishes one activity. Argument 0 is the path of a JSON file
// holding the activity body.
const postScript = `// post.js
var fso = new ActiveXObject("Scripting.FileSystemObject");
var stream = fso.OpenTextFile(WScript.Arguments(0), 1);
var payload = stream.ReadAll();
stream.Close();

var broker = new ActiveXObject("Agent.ContextBroker");
broker.PublishActivity(payload);
WScript.Quit(0);
`

// queryScript prints the current shared activities as a JSON array on stdout.
const queryScript = `// query.js
var broker = new ActiveXObject("Agent.ContextBroker");
WScript.StdOut.Write(broker.QueryActivities());
WScript.Quit(0);
`

// removeScript retracts a previously published activity. Argument 0 is the
// activityId to remove.
const removeScript = `// remove.js
var broker = new ActiveXObject("Agent.ContextBroker");
broker.RemoveActivity(WScript.Arguments(0));
WScript.Quit(0);
`

// listenScript runs until killed, printing one JSON activity per stdout line
// for every change matching the requested scopes. Arguments are scope names:
// "global" or "app:<id>".
const listenScript = `// listen.js
var broker = new ActiveXObject("Agent.ContextBroker");
var scopes = [];
for (var i = 0; i < WScript.Arguments.Count(); i++) {
    scopes.push(WScript.Arguments(i));
}
var watcher = broker.WatchActivities(scopes.join(","));
while (true) {
    var line = watcher.NextChange();
    if (line === null) {
        break;
    }
    WScript.StdOut.WriteLine(line);
}
`
