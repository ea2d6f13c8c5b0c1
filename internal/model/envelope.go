package model

// Fully qualified answer type names the orchestrator deserializes into.
const (
	TagAnswer                       = "com.cloud.agent.api.Answer"
	TagUnsupportedAnswer            = "com.cloud.agent.api.UnsupportedAnswer"
	TagStartAnswer                  = "com.cloud.agent.api.StartAnswer"
	TagStopAnswer                   = "com.cloud.agent.api.StopAnswer"
	TagCreateAnswer                 = "com.cloud.agent.api.storage.CreateAnswer"
	TagPrimaryStorageDownloadAnswer = "com.cloud.agent.api.storage.PrimaryStorageDownloadAnswer"
	TagCopyCmdAnswer                = "org.apache.cloudstack.storage.command.CopyCmdAnswer"
	TagCheckVirtualMachineAnswer    = "com.cloud.agent.api.CheckVirtualMachineAnswer"
	TagGetVMStatsAnswer             = "com.cloud.agent.api.GetVmStatsAnswer"
	TagGetStorageStatsAnswer        = "com.cloud.agent.api.GetStorageStatsAnswer"
	TagGetHostStatsAnswer           = "com.cloud.agent.api.GetHostStatsAnswer"
	TagModifyStoragePoolAnswer      = "com.cloud.agent.api.ModifyStoragePoolAnswer"
	TagCheckNetworkAnswer           = "com.cloud.agent.api.CheckNetworkAnswer"
	TagReadyAnswer                  = "com.cloud.agent.api.ReadyAnswer"
	TagSetupAnswer                  = "com.cloud.agent.api.SetupAnswer"
	TagCheckHealthAnswer            = "com.cloud.agent.api.CheckHealthAnswer"
)

// Envelope is the wire shape of every response: an array of objects that
// each carry exactly one key, the answer type name.
type Envelope []map[string]any

// Wrap puts a single tagged payload into an envelope.
func Wrap(tag string, payload any) Envelope {
	return Envelope{{tag: payload}}
}

// Tag returns the type name of the first element.
func (e Envelope) Tag() string {
	if len(e) == 0 {
		return ""
	}
	for k := range e[0] {
		return k
	}
	return ""
}

// Answer holds the fields present in every answer payload. Details is nil
// when Result is true, except for the fixed-text acknowledgements.
type Answer struct {
	Result  bool    `json:"result"`
	Details *string `json:"details"`
}

func Succeeded() Answer {
	return Answer{Result: true}
}

func Failed(details string) Answer {
	return Answer{Details: &details}
}

// Acknowledged is an answer with a fixed result and fixed text.
func Acknowledged(result bool, details string) Answer {
	return Answer{Result: result, Details: &details}
}

// Outcome is any answer payload. Every payload embeds Answer, so the
// dispatcher can read and overwrite the common fields.
type Outcome interface {
	Status() Answer
	SetStatus(Answer)
}

func (a *Answer) Status() Answer { return *a }

func (a *Answer) SetStatus(s Answer) { *a = s }
